// Package frame encodes commands for the cooling device.
//
// Every command is an 8-byte frame: a 0xfe header, an opcode, five payload
// bytes and a 0xef trailer. Replies from the device are never decoded.
package frame

import (
	"errors"
	"fmt"
	"strings"
)

const (
	header  = 0xfe
	trailer = 0xef

	opFan       = 0x1b
	opPump      = 0x1c
	opCalibrate = 0x1e
	opSync      = 0x33

	pumpSubOp = 0x3c

	// Size is the length of every opcode frame.
	Size = 8

	// MaxFan is the highest accepted fan percentage.
	MaxFan = 100
	// MaxPump is the highest accepted pump mode value.
	MaxPump = 3
)

// ErrOutOfRange is returned when a setting does not fit the device's range.
var ErrOutOfRange = errors.New("frame: value out of range")

// Frame is one raw write to the device.
type Frame []byte

// String renders the frame as space separated hex, the way it is logged.
func (f Frame) String() string {
	var sb strings.Builder
	for i, b := range f {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

func build(op byte, payload ...byte) Frame {
	f := make(Frame, Size)
	f[0] = header
	f[1] = op
	copy(f[2:Size-1], payload)
	f[Size-1] = trailer
	return f
}

// Fan returns the frame setting the fan to speed percent.
func Fan(speed int) (Frame, error) {
	if speed < 0 || speed > MaxFan {
		return nil, fmt.Errorf("%w: fan %d", ErrOutOfRange, speed)
	}
	return build(opFan, 0x01, byte(speed)), nil
}

// Pump returns the frame selecting pump mode (0 High, 1 Max, 2 Low, 3 Medium).
func Pump(mode int) (Frame, error) {
	if mode < 0 || mode > MaxPump {
		return nil, fmt.Errorf("%w: pump %d", ErrOutOfRange, mode)
	}
	return build(opPump, 0x01, pumpSubOp, byte(mode)), nil
}

// Sync returns the no-op frame used both in the handshake and as keepalive.
func Sync() Frame {
	return build(opSync)
}

// Handshake returns the two passes of the initialization sequence. The
// first pass ends with the raw "sw" literal; the second pass repeats the
// opcode frames without it.
func Handshake() (first, second []Frame) {
	first = []Frame{
		build(opPump, 0x01, pumpSubOp, 0x03),
		build(opFan, 0x01, pumpSubOp),
		build(opCalibrate, 0x01, 0x00, 0xb8, 0xff),
		Sync(),
		Frame("sw"),
	}
	second = first[:len(first)-1]
	return first, second
}
