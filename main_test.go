package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/lppctl/internal/config"
	"github.com/mil-ad/lppctl/internal/ipc"
)

func TestParsePump(t *testing.T) {
	tests := map[string]int{
		"high":   0,
		"Max":    1,
		"LOW":    2,
		"medium": 3,
		"2":      2,
		"7":      7, // out of range is the daemon's call
	}
	for in, want := range tests {
		got, err := parsePump(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := parsePump("turbo")
	assert.Error(t, err)
}

func TestPrintResponse(t *testing.T) {
	var buf bytes.Buffer
	err := printResponse(&buf, ipc.Response{OK: true, Connected: ipc.Ptr(false), Fan: ipc.Ptr(0), Pump: ipc.Ptr(0)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"connected":false,"fan":0,"pump":0}`, buf.String())

	buf.Reset()
	err = printResponse(&buf, ipc.ErrorResponse("Not connected to device"))
	assert.EqualError(t, err, "Not connected to device")
	assert.Contains(t, buf.String(), `"ok":false`)
}

func TestManagerOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Address = "AA:BB:CC:DD:EE:FF"

	opts := managerOptions(cfg, nil)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", opts.Link.Address)
	assert.Equal(t, "CoolingSystem", opts.Link.Name)
	assert.Equal(t, 5*time.Second, opts.Link.ScanWindow)
	assert.Equal(t, 100*time.Millisecond, opts.Link.FrameGap)
	assert.Equal(t, 500*time.Millisecond, opts.Link.RepeatPause)
	assert.Equal(t, time.Second, opts.MinBackoff)
	assert.Equal(t, time.Minute, opts.MaxBackoff)
	assert.Equal(t, 30*time.Second, opts.KeepaliveInterval)
	assert.Equal(t, 300*time.Millisecond, opts.ResyncDelay)
}
