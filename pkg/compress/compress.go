// Package compress provides the optional value-compression codecs the KV
// backend can apply before handing bytes to the underlying store: a
// pass-through for callers that don't want it, S2 for low-latency small
// blobs, and Zstd for directory protos where the extra ratio is worth the
// CPU.
package compress

import (
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compressor compresses and decompresses data.
//
// Extension is a carryover from a filename-suffixed storage layout; the
// KV backend here keys every entity by fingerprint, never by a
// suffixed filename, so no caller in this repo reads it. It stays part
// of the interface so a codec is self-describing to anything that does
// need a suffix later.
type Compressor interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
	Extension() string
}

type none struct{}

// None returns a pass-through compressor (no compression).
func None() Compressor { return none{} }

func (none) Encode(data []byte) ([]byte, error) { return data, nil }
func (none) Decode(data []byte) ([]byte, error) { return data, nil }
func (none) Extension() string                  { return "" }

type s2c struct{}

// S2 returns a fast compressor using S2 (improved Snappy).
func S2() Compressor { return s2c{} }

func (s2c) Encode(data []byte) ([]byte, error) { return s2.Encode(nil, data), nil }
func (s2c) Decode(data []byte) ([]byte, error) { return s2.Decode(nil, data) }
func (s2c) Extension() string                  { return ".s" }

type zstdc struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Zstd returns a compressor using Zstandard.
// Level: 1 (fastest) to 4 (best compression).
func Zstd(level int) Compressor {
	lvl := zstd.SpeedDefault
	if level <= 1 {
		lvl = zstd.SpeedFastest
	} else if level >= 4 {
		lvl = zstd.SpeedBestCompression
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl)) //nolint:errcheck // options are valid
	dec, _ := zstd.NewReader(nil)                             //nolint:errcheck // options are valid
	return &zstdc{enc: enc, dec: dec}
}

func (z *zstdc) Encode(data []byte) ([]byte, error) { return z.enc.EncodeAll(data, nil), nil }
func (z *zstdc) Decode(data []byte) ([]byte, error) { return z.dec.DecodeAll(data, nil) }
func (*zstdc) Extension() string                    { return ".z" }
