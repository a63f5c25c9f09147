// Package compression implements the value compression strategies a store
// can be created with. The strategy is chosen once per store and recorded in
// its commit log, so reopening always decodes with the right codec.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Strategy identifies a codec. The numeric values are persisted.
type Strategy uint8

const (
	None   Strategy = 0
	Zlib   Strategy = 1
	Snappy Strategy = 2
	Zstd   Strategy = 3
)

var (
	// ErrShortBuffer means the destination cannot hold the output. Nothing
	// usable was written; retry with a larger buffer.
	ErrShortBuffer = errors.New("compression: destination buffer too small")

	ErrUnknownStrategy = errors.New("compression: unknown strategy")
)

func (s Strategy) String() string {
	switch s {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool { return s <= Zstd }

// Parse maps a strategy name to its value.
func Parse(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return None, nil
	case "zlib":
		return Zlib, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	}
	return 0, errors.Wrapf(ErrUnknownStrategy, "%q", name)
}

// MaxCompressedLen returns an upper bound for the compressed size of n bytes.
func (s Strategy) MaxCompressedLen(n int) int {
	switch s {
	case Snappy:
		return snappy.MaxEncodedLen(n)
	case Zlib:
		// stored deflate blocks plus zlib header and adler32 trailer
		return n + (n>>3) + (n>>6) + 64
	case Zstd:
		bound := n + (n >> 8) + 64
		if n < 128<<10 {
			bound += (128<<10 - n) >> 11
		}
		return bound
	default:
		return n
	}
}

// Compress returns the compressed form of src.
func (s Strategy) Compress(src []byte) []byte {
	switch s {
	case Zlib:
		var b bytes.Buffer
		w := zlib.NewWriter(&b)
		w.Write(src)
		w.Close()
		return b.Bytes()
	case Snappy:
		return snappy.Encode(nil, src)
	case Zstd:
		return encoder().EncodeAll(src, nil)
	default:
		return append([]byte(nil), src...)
	}
}

// CompressTo compresses src into dst and returns the number of bytes used.
// If dst is smaller than the output it returns ErrShortBuffer.
func (s Strategy) CompressTo(dst, src []byte) (int, error) {
	if s == None {
		if len(dst) < len(src) {
			return 0, ErrShortBuffer
		}
		return copy(dst, src), nil
	}
	out := s.Compress(src)
	if len(out) > len(dst) {
		return 0, ErrShortBuffer
	}
	return copy(dst, out), nil
}

// Decompress reverses Compress.
func (s Strategy) Decompress(src []byte) ([]byte, error) {
	switch s {
	case None:
		return append([]byte(nil), src...), nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, errors.Wrap(err, "zlib")
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		return out, errors.Wrap(err, "zlib")
	case Snappy:
		out, err := snappy.Decode(nil, src)
		return out, errors.Wrap(err, "snappy")
	case Zstd:
		d, err := decoder()
		if err != nil {
			return nil, err
		}
		out, err := d.DecodeAll(src, nil)
		return out, errors.Wrap(err, "zstd")
	}
	return nil, errors.Wrapf(ErrUnknownStrategy, "%d", uint8(s))
}

// DecompressTo decompresses src into dst. It returns ErrShortBuffer if the
// decoded form does not fit.
func (s Strategy) DecompressTo(dst, src []byte) (int, error) {
	out, err := s.Decompress(src)
	if err != nil {
		return 0, err
	}
	if len(out) > len(dst) {
		return 0, ErrShortBuffer
	}
	return copy(dst, out), nil
}

// The zstd coder pair is safe for concurrent EncodeAll/DecodeAll and
// expensive to build, so it is shared.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func initZstd() {
	zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if zstdErr != nil {
		return
	}
	zstdDec, zstdErr = zstd.NewReader(nil)
}

func encoder() *zstd.Encoder {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		panic(errors.AssertionFailedf("zstd encoder: %v", zstdErr))
	}
	return zstdEnc
}

func decoder() (*zstd.Decoder, error) {
	zstdOnce.Do(initZstd)
	return zstdDec, zstdErr
}
