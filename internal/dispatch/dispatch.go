// Package dispatch turns socket requests into device operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mil-ad/lppctl/internal/frame"
	"github.com/mil-ad/lppctl/internal/ipc"
	"github.com/mil-ad/lppctl/internal/manager"
	"github.com/mil-ad/lppctl/internal/state"
)

// Client-facing messages.
const (
	msgFanRange     = "Fan value must be 0-100"
	msgPumpRange    = "Pump mode must be 0-3"
	msgNotConnected = "Not connected to device"
	msgScheduled    = "Reconnection scheduled"
)

// Link is the part of the connection manager the dispatcher drives.
type Link interface {
	Status() manager.Status
	SendSetting(ctx context.Context, f frame.Frame, commit func()) error
	ScheduleReconnect()
}

// Dispatcher validates and executes requests. It holds no state of its own.
type Dispatcher struct {
	link  Link
	store *state.Store
	log   *slog.Logger
}

// New returns a Dispatcher over link and store.
func New(link Link, store *state.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{link: link, store: store, log: logger.With("component", "dispatch")}
}

// Handle executes one request. Input is validated before the link is
// touched, and every request gets a response.
func (d *Dispatcher) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Cmd {
	case ipc.CmdStatus:
		return d.snapshot(true)

	case ipc.CmdFan:
		v, ok := req.IntValue()
		if !ok {
			return ipc.ErrorResponse(msgFanRange)
		}
		// The codec owns the device ranges.
		f, err := frame.Fan(v)
		if err != nil {
			return ipc.ErrorResponse(msgFanRange)
		}
		return d.apply(ctx, f, func() {
			d.persist(d.store.SetFan(v))
			d.log.Info("fan set", "percent", v)
		})

	case ipc.CmdPump:
		v, ok := req.IntValue()
		if !ok {
			return ipc.ErrorResponse(msgPumpRange)
		}
		f, err := frame.Pump(v)
		if err != nil {
			return ipc.ErrorResponse(msgPumpRange)
		}
		mode := state.PumpMode(v)
		return d.apply(ctx, f, func() {
			d.persist(d.store.SetPump(mode))
			d.log.Info("pump set", "mode", mode.String())
		})

	case ipc.CmdReconnect:
		if d.link.Status() == manager.StatusConnected {
			return d.snapshot(true)
		}
		d.link.ScheduleReconnect()
		return ipc.Response{OK: true, Connected: ipc.Ptr(false), Message: msgScheduled}

	default:
		return ipc.ErrorResponse(fmt.Sprintf("Unknown command: %s", req.Cmd))
	}
}

// apply requires a live link, sends f and commits on success.
func (d *Dispatcher) apply(ctx context.Context, f frame.Frame, commit func()) ipc.Response {
	if d.link.Status() != manager.StatusConnected {
		return ipc.ErrorResponse(msgNotConnected)
	}
	err := d.link.SendSetting(ctx, f, commit)
	switch {
	case err == nil:
		return d.snapshot(true)
	case errors.Is(err, manager.ErrNotConnected):
		return ipc.ErrorResponse(msgNotConnected)
	default:
		d.log.Error("send failed", "error", err)
		resp := d.snapshot(false)
		resp.Error = fmt.Sprintf("Failed to send command: %v", err)
		return resp
	}
}

// persist logs storage failures. The in-memory state is already correct, so
// the request still succeeds.
func (d *Dispatcher) persist(err error) {
	if err != nil {
		d.log.Warn("failed to save state", "path", d.store.Path(), "error", err)
	}
}

func (d *Dispatcher) snapshot(ok bool) ipc.Response {
	st := d.store.Snapshot()
	return ipc.Response{
		OK:        ok,
		Connected: ipc.Ptr(d.link.Status() == manager.StatusConnected),
		Fan:       ipc.Ptr(st.Fan),
		Pump:      ipc.Ptr(int(st.Pump)),
	}
}
