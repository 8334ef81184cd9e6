package pserver

import (
	"github.com/golang/snappy"

	"github.com/Voskan/embedshard/internal/perrors"
)

// decodePayload decompresses buf per codec (the variable's configured
// message_compress, §6). An empty/unknown codec is treated as "none" —
// payloads stay opaque byte spans to the engine either way (see the Open
// Question resolution in DESIGN.md), this only affects what Shard.Hold
// retains until the next Store.
func decodePayload(buf []byte, codec string) ([]byte, error) {
	switch codec {
	case "", "none":
		return buf, nil
	case "snappy":
		out, err := snappy.Decode(nil, buf)
		if err != nil {
			return nil, perrors.InvalidConfigf("snappy decode payload: %v", err)
		}
		return out, nil
	default:
		return nil, perrors.InvalidConfigf("unknown message_compress %q", codec)
	}
}

// encodePayload is decodePayload's inverse, used when a transport wants to
// shrink a held payload (or a pull response) before it crosses the wire.
func encodePayload(buf []byte, codec string) ([]byte, error) {
	switch codec {
	case "", "none":
		return buf, nil
	case "snappy":
		return snappy.Encode(nil, buf), nil
	default:
		return nil, perrors.InvalidConfigf("unknown message_compress %q", codec)
	}
}
