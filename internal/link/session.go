// Package link owns a single physical connection to the cooling device.
//
// A Session covers one connection lifetime: discovery, connect, the
// initialization handshake, frame writes and disconnect notification. The
// radio itself is reached through a Transport; BlueZ is the production one.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mil-ad/lppctl/internal/frame"
)

var (
	ErrNotFound      = errors.New("link: device not found")
	ErrConnectFailed = errors.New("link: connect failed")
	ErrWriteFailed   = errors.New("link: write failed")
)

// Peripheral is a device seen during discovery.
type Peripheral struct {
	Address string
	Name    string
}

// Transport is the radio capability a Session is built on.
type Transport interface {
	// Discover scans for window and returns every peripheral seen.
	Discover(ctx context.Context, window time.Duration) ([]Peripheral, error)

	// Dial connects to address. onDrop must be called when the link goes
	// away for any reason other than Conn.Close.
	Dial(ctx context.Context, address string, onDrop func()) (Conn, error)
}

// Conn is an open transport connection.
type Conn interface {
	// Subscribe starts delivering device notifications to fn.
	Subscribe(fn func([]byte)) error
	// Write sends b without waiting for acknowledgement.
	Write(b []byte) error
	Close() error
}

// Options selects the device and paces the handshake.
type Options struct {
	// Address, when set, must match exactly (case-insensitive).
	Address string
	// Name is matched as a case-insensitive substring when Address is empty.
	Name string

	ScanWindow  time.Duration
	FrameGap    time.Duration
	RepeatPause time.Duration

	Logger *slog.Logger
}

// Session is one connection lifetime. It is created by Open and is dead
// after Close or after the transport reports a drop.
type Session struct {
	address string
	conn    Conn
	log     *slog.Logger

	onDrop func(*Session)

	mu      sync.Mutex
	closed  bool
	dropped bool
}

// Open discovers, connects and runs the handshake. onDrop is invoked at most
// once, from the transport's goroutine, if the link later drops on its own.
func Open(ctx context.Context, t Transport, opts Options, onDrop func(*Session)) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("scanning for device", "address", opts.Address, "name", opts.Name, "window", opts.ScanWindow)
	found, err := t.Discover(ctx, opts.ScanWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery: %w", ErrNotFound, err)
	}
	addr, ok := selectPeripheral(found, opts.Address, opts.Name)
	if !ok {
		return nil, ErrNotFound
	}

	s := &Session{
		address: addr,
		log:     logger.With("address", addr),
		onDrop:  onDrop,
	}

	s.log.Info("connecting")
	conn, err := t.Dial(ctx, addr, s.handleDrop)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	s.conn = conn

	if err := conn.Subscribe(s.handleNotification); err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", ErrConnectFailed, err)
	}

	if err := s.handshake(ctx, opts.FrameGap, opts.RepeatPause); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// selectPeripheral prefers an exact address match when address is set;
// otherwise it takes the first peripheral whose name contains name.
func selectPeripheral(found []Peripheral, address, name string) (string, bool) {
	for _, p := range found {
		if address != "" {
			if strings.EqualFold(p.Address, address) {
				return p.Address, true
			}
			continue
		}
		if name != "" && p.Name != "" && strings.Contains(strings.ToLower(p.Name), strings.ToLower(name)) {
			return p.Address, true
		}
	}
	return "", false
}

func (s *Session) handshake(ctx context.Context, gap, pause time.Duration) error {
	s.log.Info("running device init sequence")
	first, second := frame.Handshake()
	for _, f := range first {
		if err := s.Send(f); err != nil {
			return err
		}
		if err := sleep(ctx, gap); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}
	if err := sleep(ctx, pause); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	for _, f := range second {
		if err := s.Send(f); err != nil {
			return err
		}
		if err := sleep(ctx, gap); err != nil {
			return fmt.Errorf("%w: %w", ErrConnectFailed, err)
		}
	}
	s.log.Info("device init complete")
	return nil
}

// Address returns the connected peripheral's address.
func (s *Session) Address() string {
	return s.address
}

// Send writes one frame. It fails with ErrWriteFailed once the session is
// closed or dropped.
func (s *Session) Send(f frame.Frame) error {
	s.mu.Lock()
	dead := s.closed || s.dropped
	s.mu.Unlock()
	if dead {
		return fmt.Errorf("%w: link is gone", ErrWriteFailed)
	}
	if err := s.conn.Write(f); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	s.log.Debug("sent frame", "frame", f.String())
	return nil
}

// Dropped reports whether the transport signalled a disconnect.
func (s *Session) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close releases the transport connection. It is idempotent and suppresses
// any later drop notification.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func (s *Session) handleDrop() {
	s.mu.Lock()
	if s.closed || s.dropped {
		s.mu.Unlock()
		return
	}
	s.dropped = true
	s.mu.Unlock()

	s.log.Warn("device disconnected")
	if s.onDrop != nil {
		s.onDrop(s)
	}
}

func (s *Session) handleNotification(data []byte) {
	s.log.Debug("notification", "data", frame.Frame(data).String())
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
