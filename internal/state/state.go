// Package state holds the authoritative fan/pump settings and persists them
// to a small JSON file so they survive daemon restarts.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Defaults applied when no usable state file exists.
const (
	DefaultFan  = 60
	DefaultPump = PumpHigh
)

var (
	ErrInvalidFan  = errors.New("state: fan must be 0-100")
	ErrInvalidPump = errors.New("state: pump mode must be 0-3")
	ErrStorage     = errors.New("state: storage failure")
)

// PumpMode is the device's pump setting. The numeric values are what the
// device and the socket protocol use.
type PumpMode int

const (
	PumpHigh PumpMode = iota
	PumpMax
	PumpLow
	PumpMedium
)

var pumpNames = [...]string{"High", "Max", "Low", "Medium"}

func (m PumpMode) String() string {
	if !m.Valid() {
		return fmt.Sprintf("PumpMode(%d)", int(m))
	}
	return pumpNames[m]
}

// Valid reports whether m is one of the four defined modes.
func (m PumpMode) Valid() bool {
	return m >= PumpHigh && m <= PumpMedium
}

// ParsePumpMode accepts a mode name (case-insensitive).
func ParsePumpMode(s string) (PumpMode, error) {
	for i, name := range pumpNames {
		if strings.EqualFold(s, name) {
			return PumpMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPump, s)
}

// DeviceState is the persisted record.
type DeviceState struct {
	Fan  int      `json:"fan"`
	Pump PumpMode `json:"pump"`
}

// Validate checks both fields against the device ranges.
func (s DeviceState) Validate() error {
	if s.Fan < 0 || s.Fan > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidFan, s.Fan)
	}
	if !s.Pump.Valid() {
		return fmt.Errorf("%w: got %d", ErrInvalidPump, int(s.Pump))
	}
	return nil
}

// Default returns the factory settings.
func Default() DeviceState {
	return DeviceState{Fan: DefaultFan, Pump: DefaultPump}
}

// Store is the single process-wide DeviceState. It is safe for concurrent use.
type Store struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	cur DeviceState
}

// Load reads the state file at path. A missing, unreadable or invalid file is
// logged and replaced by defaults; Load never fails.
func Load(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, log: logger, cur: Default()}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no saved state, using defaults", "path", path)
		return s
	}
	if err != nil {
		s.log.Warn("failed to load state", "path", path, "error", err)
		return s
	}

	loaded := Default()
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("failed to parse state", "path", path, "error", err)
		return s
	}
	if err := loaded.Validate(); err != nil {
		s.log.Warn("ignoring invalid state", "path", path, "error", err)
		return s
	}

	s.cur = loaded
	s.log.Info("loaded state", "fan", loaded.Fan, "pump", loaded.Pump.String())
	return s
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// SetFan records a new fan speed and persists it. The in-memory value is
// updated even if the write fails; the returned error then wraps ErrStorage.
func (s *Store) SetFan(speed int) error {
	return s.update(func(st *DeviceState) { st.Fan = speed })
}

// SetPump records a new pump mode and persists it.
func (s *Store) SetPump(mode PumpMode) error {
	return s.update(func(st *DeviceState) { st.Pump = mode })
}

func (s *Store) update(fn func(*DeviceState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cur = next
	return s.save(next)
}

// save writes via a temp file and rename so a crash never leaves a torn file.
// Caller holds s.mu.
func (s *Store) save(st DeviceState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}
