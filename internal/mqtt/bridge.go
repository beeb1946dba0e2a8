package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mil-ad/lppctl/internal/ipc"
)

// Broker is the part of Client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
}

// Bridge publishes status changes and forwards commands from the broker to
// the same handler that serves the control socket.
type Bridge struct {
	broker  Broker
	handler ipc.Handler
	topics  Topics
	log     *slog.Logger

	// dirty holds at most one pending publish; bursts of changes collapse
	// into a single status publish.
	dirty chan struct{}

	// linkDirty signals pendingLink; only the latest reconnect event is kept.
	linkDirty   chan struct{}
	linkMu      sync.Mutex
	pendingLink *linkEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge. Nothing happens until Start.
func NewBridge(broker Broker, handler ipc.Handler, prefix string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		broker:    broker,
		handler:   handler,
		topics:    Topics{Prefix: prefix},
		log:       logger.With("component", "mqtt-bridge"),
		dirty:     make(chan struct{}, 1),
		linkDirty: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the command topic and begins publishing status.
func (b *Bridge) Start() error {
	if err := b.broker.Subscribe(b.topics.Set(), b.handleSet); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.topics.Set(), err)
	}
	b.wg.Add(1)
	go b.run()
	b.Notify()
	return nil
}

// Notify marks the status as changed. It never blocks, so it is safe to
// call from the connection manager's change hook.
func (b *Bridge) Notify() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

type linkEvent struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt"`
	DelayMS int64  `json:"delay_ms"`
}

// Reconnecting queues a reconnect event for the link topic. Like Notify it
// never blocks; it runs on the connection manager's reconnect loop.
func (b *Bridge) Reconnecting(attempt int, delay time.Duration) {
	b.linkMu.Lock()
	b.pendingLink = &linkEvent{State: "reconnecting", Attempt: attempt, DelayMS: delay.Milliseconds()}
	b.linkMu.Unlock()
	select {
	case b.linkDirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.dirty:
			b.publishState()
		case <-b.linkDirty:
			b.publishLink()
		}
	}
}

func (b *Bridge) publishLink() {
	b.linkMu.Lock()
	ev := b.pendingLink
	b.pendingLink = nil
	b.linkMu.Unlock()
	if ev == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("encode link event", "error", err)
		return
	}
	if err := b.broker.Publish(b.topics.Link(), payload, false); err != nil {
		b.log.Debug("publish link event", "error", err)
	}
}

func (b *Bridge) publishState() {
	resp := b.handler.Handle(b.ctx, ipc.NewRequest(ipc.CmdStatus))
	payload, err := json.Marshal(resp)
	if err != nil {
		b.log.Error("encode state", "error", err)
		return
	}
	if err := b.broker.Publish(b.topics.State(), payload, true); err != nil {
		b.log.Warn("publish state", "error", err)
	}
}

func (b *Bridge) handleSet(_ string, payload []byte) error {
	var resp ipc.Response
	req, err := ipc.ParseRequest(payload)
	if err != nil {
		resp = ipc.ErrorResponse(ipc.MsgInvalidJSON)
	} else {
		b.log.Debug("request", "cmd", req.Cmd)
		resp = b.handler.Handle(b.ctx, req)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return b.broker.Publish(b.topics.Response(), out, false)
}

// Close stops the publisher goroutine.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}
