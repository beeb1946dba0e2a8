package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Command names understood by the daemon.
const (
	CmdStatus    = "status"
	CmdFan       = "fan"
	CmdPump      = "pump"
	CmdReconnect = "reconnect"
)

// ErrInvalidJSON is the protocol error for a line that is not a request object.
var ErrInvalidJSON = errors.New("ipc: invalid JSON request")

// MsgInvalidJSON is the error text sent back for an unparsable line.
const MsgInvalidJSON = "Invalid JSON"

// Request is one line sent from a client to the daemon.
type Request struct {
	Cmd   string          `json:"cmd"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewRequest builds a request; value is attached when given.
func NewRequest(cmd string, value ...int) Request {
	r := Request{Cmd: cmd}
	if len(value) > 0 {
		r.Value = json.RawMessage(strconv.Itoa(value[0]))
	}
	return r
}

// ParseRequest decodes one line. Anything other than a JSON object yields
// ErrInvalidJSON.
func ParseRequest(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Request{}, ErrInvalidJSON
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, ErrInvalidJSON
	}
	return req, nil
}

// IntValue returns Value as an integer. Strings, fractions, booleans and
// null are rejected.
func (r Request) IntValue() (int, bool) {
	raw := bytes.TrimSpace(r.Value)
	if len(raw) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Response is one line sent from the daemon back to a client. Connected,
// Fan and Pump are pointers so zero values are still encoded when set.
type Response struct {
	OK        bool   `json:"ok"`
	Connected *bool  `json:"connected,omitempty"`
	Fan       *int   `json:"fan,omitempty"`
	Pump      *int   `json:"pump,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is a failure carrying only a message.
func ErrorResponse(msg string) Response {
	return Response{OK: false, Error: msg}
}

// Ptr returns a pointer to v, for filling Response fields.
func Ptr[T any](v T) *T {
	return &v
}
