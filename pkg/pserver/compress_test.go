package pserver

import (
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadPassthroughForNoneCodec(t *testing.T) {
	buf := []byte("hello")
	out, err := decodePayload(buf, "")
	require.NoError(t, err)
	require.Equal(t, buf, out)

	out, err = decodePayload(buf, "none")
	require.NoError(t, err)
	require.Equal(t, buf, out)
}

func TestEncodeDecodePayloadSnappyRoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeatedly, repeatedly")
	encoded, err := encodePayload(original, "snappy")
	require.NoError(t, err)
	require.NotEqual(t, original, encoded)

	decoded, err := decodePayload(encoded, "snappy")
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestDecodePayloadRejectsUnknownCodec(t *testing.T) {
	_, err := decodePayload([]byte("x"), "lz4")
	require.Error(t, err)
	_, err = encodePayload([]byte("x"), "lz4")
	require.Error(t, err)
}

func TestDecodePayloadRejectsCorruptSnappyFrame(t *testing.T) {
	_, err := decodePayload([]byte{0xff, 0xff, 0xff}, "snappy")
	require.Error(t, err)
}

func TestEncodePayloadProducesValidSnappyFrame(t *testing.T) {
	encoded, err := encodePayload([]byte("payload"), "snappy")
	require.NoError(t, err)
	decoded, err := snappy.Decode(nil, encoded)
	require.NoError(t, err)
	require.Equal(t, "payload", string(decoded))
}
