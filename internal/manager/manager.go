// Package manager owns the device link: connecting, resyncing settings,
// keepalive, disconnect handling and backoff reconnection.
//
// Manager is the only place that changes the connection status. Status and
// the active session are always updated together under one lock, so a
// reader never sees Connected without a session or the reverse.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Frames are serialized: at most one write is in flight on the link.
//   - Status reads never wait on a connect attempt or a frame write.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mil-ad/lppctl/internal/frame"
	"github.com/mil-ad/lppctl/internal/link"
	"github.com/mil-ad/lppctl/internal/state"
)

var (
	ErrNotConnected = errors.New("not connected to device")
	ErrClosed       = errors.New("connection manager closed")
)

// Defaults for Options fields left at zero.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultConnectTimeout    = 20 * time.Second
	DefaultResyncDelay       = 300 * time.Millisecond
)

// Status is the externally visible connection state.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// Options configures a Manager.
type Options struct {
	Link link.Options

	// ConnectTimeout bounds one open attempt, including discovery.
	ConnectTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	KeepaliveInterval time.Duration

	// ResyncDelay is the pause between the handshake and re-applying the
	// stored settings.
	ResyncDelay time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if o.ResyncDelay < 0 {
		o.ResyncDelay = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager holds zero or one live link.Session.
type Manager struct {
	transport link.Transport
	store     *state.Store
	opts      Options
	log       *slog.Logger
	backoff   *Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	openMu sync.Mutex // one open attempt at a time
	sendMu sync.Mutex // one frame in flight

	mu            sync.RWMutex
	status        Status
	session       *link.Session
	stopKeepalive context.CancelFunc
	reconnecting  bool
	closed        bool

	hookMu         sync.RWMutex
	onChange       func()
	onReconnecting func(attempt int, delay time.Duration)
}

// New creates a disconnected Manager. Nothing runs until ConnectOnce or
// ScheduleReconnect is called.
func New(t link.Transport, store *state.Store, opts Options) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With("component", "manager")
	opts.Link.Logger = opts.Logger.With("component", "link")
	return &Manager{
		transport: t,
		store:     store,
		opts:      opts,
		log:       logger,
		backoff:   NewBackoff(opts.MinBackoff, opts.MaxBackoff),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Connected is shorthand for Status() == StatusConnected.
func (m *Manager) Connected() bool {
	return m.Status() == StatusConnected
}

// OnChange registers fn to run after every status transition and every
// committed setting. fn runs without any Manager lock held but may run
// while a frame write is serialized, so it must not block.
func (m *Manager) OnChange(fn func()) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onChange = fn
}

// OnReconnecting registers fn to run before each reconnect wait. fn runs
// on the reconnect loop and must not block.
func (m *Manager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onReconnecting = fn
}

func (m *Manager) notifyChange() {
	m.hookMu.RLock()
	fn := m.onChange
	m.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// ConnectOnce makes a single connection attempt. On success the stored
// settings are re-applied (without being persisted again), the backoff is
// reset and a keepalive timer starts. It never schedules a retry itself.
func (m *Manager) ConnectOnce(ctx context.Context) error {
	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.RLock()
	closed, status := m.closed, m.status
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if status == StatusConnected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	s, err := link.Open(ctx, m.transport, m.opts.Link, m.handleDrop)
	if err != nil {
		return err
	}
	if err := m.resync(ctx, s); err != nil {
		s.Close()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Close()
		return ErrClosed
	}
	if s.Dropped() {
		m.mu.Unlock()
		s.Close()
		return fmt.Errorf("%w: dropped during setup", link.ErrConnectFailed)
	}
	m.session = s
	m.status = StatusConnected
	m.backoff.Reset()
	kctx, kcancel := context.WithCancel(m.ctx)
	m.stopKeepalive = kcancel
	m.wg.Add(1)
	m.mu.Unlock()

	go m.keepalive(kctx)

	m.log.Info("connected to device", "address", s.Address())
	m.notifyChange()
	return nil
}

// resync pushes the stored fan and pump settings to a freshly opened
// session before it becomes visible to anyone else.
func (m *Manager) resync(ctx context.Context, s *link.Session) error {
	if err := sleep(ctx, m.opts.ResyncDelay); err != nil {
		return err
	}
	st := m.store.Snapshot()
	fan, err := frame.Fan(st.Fan)
	if err != nil {
		return err
	}
	pump, err := frame.Pump(int(st.Pump))
	if err != nil {
		return err
	}
	if err := s.Send(fan); err != nil {
		return err
	}
	if err := sleep(ctx, m.opts.Link.FrameGap); err != nil {
		return err
	}
	if err := s.Send(pump); err != nil {
		return err
	}
	m.log.Info("restored settings", "fan", st.Fan, "pump", st.Pump.String())
	return nil
}

// SendSetting writes f to the active session. commit, if non-nil, runs
// after a successful write while frames are still serialized, so settings
// are recorded in the same order they reached the device.
//
// A write failure tears the session down and schedules a reconnect.
func (m *Manager) SendSetting(ctx context.Context, f frame.Frame, commit func()) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	s, status := m.session, m.status
	m.mu.RUnlock()
	if status != StatusConnected || s == nil {
		return ErrNotConnected
	}

	if err := s.Send(f); err != nil {
		m.drop(s, err)
		return err
	}
	if commit != nil {
		commit()
		m.notifyChange()
	}
	return nil
}

func (m *Manager) handleDrop(s *link.Session) {
	m.drop(s, errors.New("device disconnected"))
}

// drop moves to Disconnected if s is still the active session. A stale
// session (already replaced or dropped) is ignored, so concurrent failures
// on one session produce a single transition and a single reconnect loop.
func (m *Manager) drop(s *link.Session, reason error) {
	m.mu.Lock()
	if m.session != s {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.status = StatusDisconnected
	if m.stopKeepalive != nil {
		m.stopKeepalive()
		m.stopKeepalive = nil
	}
	m.mu.Unlock()

	s.Close()
	m.log.Warn("link lost", "error", reason)
	m.notifyChange()
	m.ScheduleReconnect()
}

// ScheduleReconnect starts the reconnect loop unless one is already
// pending, the link is up, or the manager is closed. It does not block.
func (m *Manager) ScheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.reconnecting || m.status == StatusConnected {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for attempt := 1; ; attempt++ {
		// The exit check and clearing the pending flag share one critical
		// section with drop's status change, so a disconnect is never lost
		// between this loop ending and a new one being scheduled.
		m.mu.Lock()
		if m.closed || m.status == StatusConnected {
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		delay := m.backoff.Current()
		m.hookMu.RLock()
		hook := m.onReconnecting
		m.hookMu.RUnlock()
		if hook != nil {
			hook(attempt, delay)
		}
		m.log.Info("reconnecting", "attempt", attempt, "delay", delay)

		if err := sleep(m.ctx, delay); err != nil {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
			return
		}
		if err := m.ConnectOnce(m.ctx); err != nil {
			next := m.backoff.Fail()
			m.log.Warn("reconnect failed", "attempt", attempt, "error", err, "next_delay", next)
		}
	}
}

func (m *Manager) keepalive(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.log.Debug("sending keepalive")
		if err := m.SendSetting(ctx, frame.Sync(), nil); err != nil && ctx.Err() == nil {
			m.log.Warn("keepalive failed", "error", err)
		}
	}
}

// Stop cancels the keepalive timer and any pending reconnect loop and
// waits for them to exit. The link, if up, stays open. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.stopKeepalive != nil {
		m.stopKeepalive()
		m.stopKeepalive = nil
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// Close stops background work and closes the active session. Idempotent.
func (m *Manager) Close() {
	m.Stop()

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	s := m.session
	m.session = nil
	m.status = StatusDisconnected
	m.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			m.log.Warn("closing link", "error", err)
		}
		m.log.Info("link closed")
	}
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
