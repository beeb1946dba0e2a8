// Package ipc is the daemon's control socket: one JSON object per line in
// each direction over a unix socket that only the owning user may use.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxLineSize bounds a single request line.
const maxLineSize = 64 * 1024

// Accept errors other than shutdown (EMFILE and friends) are retried after
// a pause that doubles up to maxAcceptDelay.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Handler executes one parsed request.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Server accepts client connections and serves each on its own goroutine.
type Server struct {
	path    string
	ln      net.Listener
	handler Handler
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]net.Conn
	closing bool
	wg      sync.WaitGroup

	stopped    chan struct{}
	stopOnce   sync.Once
	removeOnce sync.Once
}

// Listen binds the socket at path, replacing any stale socket file left by
// a previous run, and restricts it to the owner.
func Listen(path string, h Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	// The file is removed explicitly as the last shutdown step.
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:    path,
		ln:      ln,
		handler: h,
		log:     logger.With("component", "ipc"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]net.Conn),
		stopped: make(chan struct{}),
	}, nil
}

// Path returns the socket file location.
func (s *Server) Path() string {
	return s.path
}

// Serve runs the accept loop until StopAccepting is called. Accept
// failures are logged and retried; they never end the loop.
func (s *Server) Serve() error {
	s.log.Info("listening", "path", s.path)
	var delay time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.log.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-s.stopped:
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		if err := checkPeer(conn); err != nil {
			s.log.Warn("rejecting client", "error", err)
			conn.Close()
			continue
		}

		id := uuid.NewString()
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[id] = conn
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(id, conn)
	}
}

func (s *Server) handleConn(id string, conn net.Conn) {
	log := s.log.With("conn_id", id)
	log.Info("client connected")
	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
		log.Info("client disconnected")
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		var resp Response
		req, err := ParseRequest(scanner.Bytes())
		if err != nil {
			resp = ErrorResponse(MsgInvalidJSON)
		} else {
			log.Debug("request", "cmd", req.Cmd)
			resp = s.handler.Handle(s.ctx, req)
		}
		if err := writeResponse(conn, resp); err != nil {
			log.Debug("write response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			writeResponse(conn, ErrorResponse(MsgInvalidJSON))
		}
		log.Debug("read", "error", err)
	}
}

func writeResponse(conn net.Conn, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

// StopAccepting closes the listener. Idempotent.
func (s *Server) StopAccepting() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.ln.Close()
	})
}

// CloseClients closes every open client connection and waits for their
// handlers to return. Idempotent.
func (s *Server) CloseClients() {
	s.mu.Lock()
	s.closing = true
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// RemoveSocket deletes the socket file. Idempotent.
func (s *Server) RemoveSocket() {
	s.removeOnce.Do(func() {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("remove socket", "path", s.path, "error", err)
		}
	})
}

// Shutdown stops accepting, closes clients and removes the socket file.
func (s *Server) Shutdown() {
	s.StopAccepting()
	s.CloseClients()
	s.RemoveSocket()
}
