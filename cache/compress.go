package cache

import (
	"github.com/klauspost/compress/zstd"
)

// Snapshots are mostly HTML, CSS and JS, which compress well.
// The encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func compress(b []byte) []byte {
	return encoder.EncodeAll(b, make([]byte, 0, len(b)/2))
}

func decompress(b []byte) ([]byte, error) {
	return decoder.DecodeAll(b, nil)
}
