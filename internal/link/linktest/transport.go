// Package linktest provides an in-memory link.Transport for tests.
package linktest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mil-ad/lppctl/internal/link"
)

// ErrInjected is returned by injected failures.
var ErrInjected = errors.New("linktest: injected failure")

// Write is one recorded frame.
type Write struct {
	Conn int
	Data []byte
	At   time.Time
}

// Transport is a scriptable fake radio. The zero value is not usable; call
// New.
type Transport struct {
	mu sync.Mutex

	peripherals  []link.Peripheral
	discoverErrs int // remaining Discover calls that fail
	dialErrs     int // remaining Dial calls that fail
	failWrites   bool

	writes    []Write
	discovers []time.Time
	dials     int
	conns     []*Conn
}

// New returns a transport advertising peripherals.
func New(peripherals ...link.Peripheral) *Transport {
	return &Transport{peripherals: peripherals}
}

// FailDiscover makes the next n Discover calls fail.
func (t *Transport) FailDiscover(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverErrs = n
}

// FailDial makes the next n Dial calls fail.
func (t *Transport) FailDial(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErrs = n
}

// FailWrites makes every write on every connection fail until reset.
func (t *Transport) FailWrites(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failWrites = fail
}

// SetPeripherals replaces what discovery reports.
func (t *Transport) SetPeripherals(p ...link.Peripheral) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals = p
}

func (t *Transport) Discover(ctx context.Context, _ time.Duration) ([]link.Peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovers = append(t.discovers, time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.discoverErrs > 0 {
		t.discoverErrs--
		return nil, ErrInjected
	}
	return append([]link.Peripheral(nil), t.peripherals...), nil
}

func (t *Transport) Dial(_ context.Context, address string, onDrop func()) (link.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErrs > 0 {
		t.dialErrs--
		return nil, ErrInjected
	}
	c := &Conn{t: t, id: len(t.conns), Address: address, onDrop: onDrop}
	t.conns = append(t.conns, c)
	return c, nil
}

// Writes returns every frame written so far, across connections.
func (t *Transport) Writes() []Write {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Write(nil), t.writes...)
}

// WritesOn returns the frames written on connection id.
func (t *Transport) WritesOn(id int) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, w := range t.writes {
		if w.Conn == id {
			out = append(out, w.Data)
		}
	}
	return out
}

// DiscoverTimes returns when each Discover call started.
func (t *Transport) DiscoverTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.discovers...)
}

// Dials returns the number of Dial calls.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Conns returns every connection handed out.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Last returns the most recent connection or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is a fake connection.
type Conn struct {
	t       *Transport
	id      int
	Address string
	onDrop  func()

	mu         sync.Mutex
	closed     bool
	subscribed bool
	notify     func([]byte)
}

// ID is the connection's index in Transport.Conns.
func (c *Conn) ID() int { return c.id }

func (c *Conn) Subscribe(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = true
	c.notify = fn
	return nil
}

func (c *Conn) Write(b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("linktest: write on closed conn")
	}

	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.failWrites {
		return ErrInjected
	}
	c.t.writes = append(c.t.writes, Write{Conn: c.id, Data: append([]byte(nil), b...), At: time.Now()})
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribed reports whether Subscribe was called.
func (c *Conn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Drop simulates the device going away.
func (c *Conn) Drop() {
	if c.onDrop != nil {
		c.onDrop()
	}
}

// Notify delivers data as a device notification.
func (c *Conn) Notify(data []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}
