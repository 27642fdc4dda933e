// Package payload compresses opaque cache payloads before they leave the process.
package payload

import (
	"github.com/klauspost/compress/zstd"
)

var enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
var dec, _ = zstd.NewReader(nil)

// Compress returns the zstd frame for b.
func Compress(b []byte) []byte {
	return enc.EncodeAll(b, make([]byte, 0, len(b)))
}

// Decompress reverses Compress.
func Decompress(b []byte) ([]byte, error) {
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
