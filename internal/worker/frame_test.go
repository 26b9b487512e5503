package worker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pngSignature is the 8-byte magic every PNG file starts with; round-tripping
// it unchanged through WriteFrame/ReadFrame is the binary-fidelity guarantee
// the length-prefixed JSON transport exists to provide (spec P1, S1).
var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestWriteFrameReadFramePreservesBytesExactly(t *testing.T) {
	payload := append(append([]byte{}, pngSignature...), []byte("rest of a fake raster body")...)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{
		OK:          true,
		Bytes:       payload,
		ContentType: "image/png",
		ImageType:   "png",
		CRC32:       "deadbeef",
		DurationMS:  42,
		EventCount:  3,
	}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got.Bytes), "frame bytes must round-trip exactly, got %x", got.Bytes)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, "deadbeef", got.CRC32)
	assert.Equal(t, int64(42), got.DurationMS)
	assert.Equal(t, 3, got.EventCount)
}

func TestWriteFrameReadFrameRoundTripsKindAndCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{
		OK:            false,
		Error:         "config is invalid",
		Kind:          "ConfigInvalid",
		CorrelationID: "corr-123",
	}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.False(t, got.OK)
	assert.Equal(t, "config is invalid", got.Error)
	assert.Equal(t, "ConfigInvalid", got.Kind)
	assert.Equal(t, "corr-123", got.CorrelationID)
}

func TestReadFrameTruncatedLengthPrefixErrors(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.Error(t, err)
}

func TestReadFrameTruncatedPayloadErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{OK: true, Bytes: []byte("hello world")}))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestReadFrameRejectsLengthPrefixAboveMax(t *testing.T) {
	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	_, err := ReadFrame(bytes.NewReader(oversized))
	assert.Error(t, err)
}
