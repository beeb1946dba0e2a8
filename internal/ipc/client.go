package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// DialTimeout bounds connecting to the daemon socket.
const DialTimeout = 2 * time.Second

// DefaultCallTimeout bounds one request/response exchange.
const DefaultCallTimeout = 5 * time.Second

// Client is a line-framed connection to the daemon. Calls are serialized,
// so one Client may be shared between goroutines.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial connects to the daemon socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w (is `lppctl daemon` running?)", err)
	}
	return &Client{conn: conn, r: bufio.NewReaderSize(conn, 4096), timeout: DefaultCallTimeout}, nil
}

// SetTimeout changes the per-call deadline. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Call sends req and waits for its response line.
func (c *Client) Call(req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	return c.exchange(data)
}

// CallRaw sends line as-is (a newline is appended) and returns the decoded
// response. Used by the interactive shell and tests.
func (c *Client) CallRaw(line []byte) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exchange(line)
}

// exchange writes one line and reads one response under the call deadline.
func (c *Client) exchange(line []byte) (Response, error) {
	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := c.writeLine(line); err != nil {
		return Response{}, err
	}
	return c.readResponse()
}

func (c *Client) writeLine(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (c *Client) readResponse() (Response, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) Status() (Response, error) {
	return c.Call(NewRequest(CmdStatus))
}

func (c *Client) SetFan(percent int) (Response, error) {
	return c.Call(NewRequest(CmdFan, percent))
}

func (c *Client) SetPump(mode int) (Response, error) {
	return c.Call(NewRequest(CmdPump, mode))
}

func (c *Client) Reconnect() (Response, error) {
	return c.Call(NewRequest(CmdReconnect))
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
