package link_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mil-ad/lppctl/internal/frame"
	"github.com/mil-ad/lppctl/internal/link"
	"github.com/mil-ad/lppctl/internal/link/linktest"
)

const coolerAddr = "AA:BB:CC:DD:EE:FF"

func testOptions() link.Options {
	return link.Options{
		Name:        "CoolingSystem",
		ScanWindow:  time.Millisecond,
		FrameGap:    time.Millisecond,
		RepeatPause: 5 * time.Millisecond,
	}
}

func newTransport() *linktest.Transport {
	return linktest.New(
		link.Peripheral{Address: "11:22:33:44:55:66", Name: "Headphones"},
		link.Peripheral{Address: coolerAddr, Name: "LPP CoolingSystem v2"},
	)
}

func expectedHandshake() [][]byte {
	first, second := frame.Handshake()
	var out [][]byte
	for _, f := range append(append([]frame.Frame{}, first...), second...) {
		out = append(out, []byte(f))
	}
	return out
}

func TestOpen_MatchesByName(t *testing.T) {
	tr := newTransport()

	s, err := link.Open(context.Background(), tr, testOptions(), nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, coolerAddr, s.Address())
	require.NotNil(t, tr.Last())
	assert.True(t, tr.Last().Subscribed())
}

func TestOpen_AddressTakesPrecedence(t *testing.T) {
	tr := newTransport()
	opts := testOptions()
	opts.Address = "11:22:33:44:55:66"

	s, err := link.Open(context.Background(), tr, opts, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "11:22:33:44:55:66", s.Address())
}

func TestOpen_AddressMatchIgnoresCase(t *testing.T) {
	tr := newTransport()
	opts := testOptions()
	opts.Address = "aa:bb:cc:dd:ee:ff"

	s, err := link.Open(context.Background(), tr, opts, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, coolerAddr, s.Address())
}

func TestOpen_NotFound(t *testing.T) {
	tr := linktest.New(link.Peripheral{Address: "11:22:33:44:55:66", Name: "Headphones"})

	_, err := link.Open(context.Background(), tr, testOptions(), nil)
	assert.ErrorIs(t, err, link.ErrNotFound)
	assert.Equal(t, 0, tr.Dials())

	opts := testOptions()
	opts.Address = coolerAddr
	_, err = link.Open(context.Background(), tr, opts, nil)
	assert.ErrorIs(t, err, link.ErrNotFound)
}

func TestOpen_DiscoveryError(t *testing.T) {
	tr := newTransport()
	tr.FailDiscover(1)

	_, err := link.Open(context.Background(), tr, testOptions(), nil)
	assert.ErrorIs(t, err, link.ErrNotFound)
}

func TestOpen_ConnectFailed(t *testing.T) {
	tr := newTransport()
	tr.FailDial(1)

	_, err := link.Open(context.Background(), tr, testOptions(), nil)
	assert.ErrorIs(t, err, link.ErrConnectFailed)
}

func TestOpen_RunsHandshakeInOrder(t *testing.T) {
	tr := newTransport()
	opts := testOptions()
	opts.FrameGap = 2 * time.Millisecond
	opts.RepeatPause = 20 * time.Millisecond

	s, err := link.Open(context.Background(), tr, opts, nil)
	require.NoError(t, err)
	defer s.Close()

	writes := tr.Writes()
	var data [][]byte
	for _, w := range writes {
		data = append(data, w.Data)
	}
	assert.Equal(t, expectedHandshake(), data)

	// The pause separates the "sw" literal from the second pass.
	require.Len(t, writes, 9)
	assert.GreaterOrEqual(t, writes[5].At.Sub(writes[4].At), opts.RepeatPause)
	for i := 1; i < 5; i++ {
		assert.GreaterOrEqual(t, writes[i].At.Sub(writes[i-1].At), opts.FrameGap)
	}
}

func TestOpen_HandshakeWriteFailure(t *testing.T) {
	tr := newTransport()
	tr.FailWrites(true)

	_, err := link.Open(context.Background(), tr, testOptions(), nil)
	assert.ErrorIs(t, err, link.ErrWriteFailed)
	require.NotNil(t, tr.Last())
	assert.True(t, tr.Last().Closed())
}

func TestOpen_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := link.Open(ctx, newTransport(), testOptions(), nil)
	assert.Error(t, err)
}

func TestSend(t *testing.T) {
	tr := newTransport()
	s, err := link.Open(context.Background(), tr, testOptions(), nil)
	require.NoError(t, err)

	f, _ := frame.Fan(42)
	require.NoError(t, s.Send(f))
	writes := tr.Writes()
	assert.Equal(t, []byte(f), writes[len(writes)-1].Data)

	tr.FailWrites(true)
	assert.ErrorIs(t, s.Send(f), link.ErrWriteFailed)
}

func TestSend_AfterClose(t *testing.T) {
	s, err := link.Open(context.Background(), newTransport(), testOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")
	assert.ErrorIs(t, s.Send(frame.Sync()), link.ErrWriteFailed)
}

func TestDropNotifiesOnce(t *testing.T) {
	tr := newTransport()
	var drops atomic.Int32
	var got *link.Session

	s, err := link.Open(context.Background(), tr, testOptions(), func(ds *link.Session) {
		drops.Add(1)
		got = ds
	})
	require.NoError(t, err)

	tr.Last().Drop()
	tr.Last().Drop()

	assert.Equal(t, int32(1), drops.Load())
	assert.Same(t, s, got)
	assert.True(t, s.Dropped())
	assert.ErrorIs(t, s.Send(frame.Sync()), link.ErrWriteFailed)
}

func TestCloseSuppressesDrop(t *testing.T) {
	tr := newTransport()
	var drops atomic.Int32

	s, err := link.Open(context.Background(), tr, testOptions(), func(*link.Session) { drops.Add(1) })
	require.NoError(t, err)

	require.NoError(t, s.Close())
	tr.Last().Drop()

	assert.Equal(t, int32(0), drops.Load())
	assert.False(t, s.Dropped())
}

func TestNotificationsAreAccepted(t *testing.T) {
	tr := newTransport()
	s, err := link.Open(context.Background(), tr, testOptions(), nil)
	require.NoError(t, err)
	defer s.Close()

	assert.NotPanics(t, func() { tr.Last().Notify([]byte{0xfe, 0x01, 0xef}) })
}
