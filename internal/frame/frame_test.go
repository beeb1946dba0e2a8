package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFan(t *testing.T) {
	f, err := Fan(60)
	require.NoError(t, err)
	assert.Equal(t, Frame{0xfe, 0x1b, 0x01, 60, 0x00, 0x00, 0x00, 0xef}, f)

	for _, v := range []int{0, 100} {
		f, err := Fan(v)
		require.NoError(t, err)
		assert.Equal(t, byte(v), f[3])
	}
}

func TestFanOutOfRange(t *testing.T) {
	for _, v := range []int{-1, 101, 255} {
		_, err := Fan(v)
		assert.ErrorIs(t, err, ErrOutOfRange, "fan %d", v)
	}
}

func TestPump(t *testing.T) {
	f, err := Pump(2)
	require.NoError(t, err)
	assert.Equal(t, Frame{0xfe, 0x1c, 0x01, 0x3c, 0x02, 0x00, 0x00, 0xef}, f)

	_, err = Pump(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = Pump(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestSync(t *testing.T) {
	assert.Equal(t, Frame{0xfe, 0x33, 0, 0, 0, 0, 0, 0xef}, Sync())
}

func TestHandshake(t *testing.T) {
	first, second := Handshake()

	require.Len(t, first, 5)
	assert.Equal(t, Frame{0xfe, 0x1c, 0x01, 0x3c, 0x03, 0x00, 0x00, 0xef}, first[0])
	assert.Equal(t, Frame{0xfe, 0x1b, 0x01, 0x3c, 0x00, 0x00, 0x00, 0xef}, first[1])
	assert.Equal(t, Frame{0xfe, 0x1e, 0x01, 0x00, 0xb8, 0xff, 0x00, 0xef}, first[2])
	assert.Equal(t, Sync(), first[3])
	assert.Equal(t, Frame("sw"), first[4])

	assert.Equal(t, first[:4], second)
	for _, f := range second {
		assert.Len(t, f, Size)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "fe 33 00 00 00 00 00 ef", Sync().String())
}
