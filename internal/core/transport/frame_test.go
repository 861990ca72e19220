package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("update bytes")

	kind, got, err := decodeFrame(encodeFrame(frameUpdate, payload))
	require.NoError(t, err)
	assert.Equal(t, frameUpdate, kind)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	kind, payload, err := decodeFrame(encodeFrame(frameSync, nil))
	require.NoError(t, err)
	assert.Equal(t, frameSync, kind)
	assert.Empty(t, payload)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, _, err := decodeFrame(nil)
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, _, err = decodeFrame([]byte{0x7f, 1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}
