package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/mil-ad/lppctl/internal/config"
	"github.com/mil-ad/lppctl/internal/dispatch"
	"github.com/mil-ad/lppctl/internal/ipc"
	"github.com/mil-ad/lppctl/internal/link"
	"github.com/mil-ad/lppctl/internal/logging"
	"github.com/mil-ad/lppctl/internal/manager"
	"github.com/mil-ad/lppctl/internal/mqtt"
	"github.com/mil-ad/lppctl/internal/state"
)

func managerOptions(cfg *config.Config, log *slog.Logger) manager.Options {
	return manager.Options{
		Link: link.Options{
			Address:     cfg.Device.Address,
			Name:        cfg.Device.Name,
			ScanWindow:  cfg.Device.ScanTimeout,
			FrameGap:    cfg.Link.FrameGap,
			RepeatPause: cfg.Link.RepeatPause,
		},
		ConnectTimeout:    cfg.Device.ConnectTimeout,
		MinBackoff:        cfg.Reconnect.MinDelay,
		MaxBackoff:        cfg.Reconnect.MaxDelay,
		KeepaliveInterval: cfg.Keepalive.Interval,
		ResyncDelay:       cfg.Link.ResyncDelay,
		Logger:            log,
	}
}

func runDaemon() error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging, version)

	store := state.Load(cfg.State.Path, log.With("component", "state"))

	bz := link.NewBlueZ(cfg.Device.Adapter, log)
	defer bz.Close()

	mgr := manager.New(bz, store, managerOptions(cfg, log))
	d := dispatch.New(mgr, store, log)

	// Losing the socket is the only fatal startup error.
	srv, err := ipc.Listen(cfg.Socket.Path, d, log)
	if err != nil {
		mgr.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	initial := make(chan struct{})
	go func() {
		defer close(initial)
		if err := mgr.ConnectOnce(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, manager.ErrClosed) {
				return
			}
			log.Warn("initial connection failed", "error", err)
			mgr.ScheduleReconnect()
		}
	}()

	// The broker is optional and may be slow; it never holds up the socket
	// or the device link.
	bridgeCh := make(chan *bridge, 1)
	if cfg.MQTT.Enabled {
		go func() { bridgeCh <- startBridge(ctx, cfg, d, mgr, log) }()
	} else {
		bridgeCh <- nil
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("control socket: %w", err)
		}
	}

	stop()
	srv.StopAccepting()
	mgr.Stop()
	<-initial
	if b := <-bridgeCh; b != nil {
		mgr.OnChange(nil)
		mgr.OnReconnecting(nil)
		b.close()
	}
	srv.CloseClients()
	mgr.Close()
	srv.RemoveSocket()
	return err
}

type bridge struct {
	client *mqtt.Client
	b      *mqtt.Bridge
}

func (b *bridge) close() {
	b.b.Close()
	b.client.Close()
}

// startBridge connects the MQTT mirror. A broker failure is logged and the
// daemon carries on without it.
func startBridge(ctx context.Context, cfg *config.Config, h ipc.Handler, mgr *manager.Manager, log *slog.Logger) *bridge {
	client, err := mqtt.Connect(ctx, cfg.MQTT, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("mqtt disabled", "error", err)
		return nil
	}
	b := mqtt.NewBridge(client, h, cfg.MQTT.TopicPrefix, log)
	mgr.OnChange(b.Notify)
	mgr.OnReconnecting(b.Reconnecting)
	if err := b.Start(); err != nil {
		log.Warn("mqtt bridge not started", "error", err)
		mgr.OnChange(nil)
		mgr.OnReconnecting(nil)
		b.Close()
		client.Close()
		return nil
	}
	return &bridge{client: client, b: b}
}
