package transfer

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/TheusHen/devlink/devlink/protocol"
)

var (
	ErrCompressionFailed   = errors.New("transfer: compression failed")
	ErrDecompressionFailed = errors.New("transfer: decompression failed")
)

// CompressionLevel controls the speed/ratio tradeoff.
type CompressionLevel int

const (
	CompressionNone    CompressionLevel = iota // Never compress
	CompressionFast                            // Fastest, lower ratio
	CompressionDefault                         // Balanced
	CompressionBest                            // Best ratio, slower
)

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// Compress compresses data using LZ4 frames.
func Compress(data []byte, level CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)

	w.Reset(&buf)

	var opt lz4.Option
	switch level {
	case CompressionFast:
		opt = lz4.CompressionLevelOption(lz4.Fast)
	case CompressionBest:
		opt = lz4.CompressionLevelOption(lz4.Level9)
	default:
		opt = lz4.CompressionLevelOption(lz4.Level4)
	}
	if err := w.Apply(opt); err != nil {
		return nil, ErrCompressionFailed
	}

	if _, err := w.Write(data); err != nil {
		return nil, ErrCompressionFailed
	}
	if err := w.Close(); err != nil {
		return nil, ErrCompressionFailed
	}
	return buf.Bytes(), nil
}

// Decompress decompresses LZ4 data, refusing output beyond MaxMessageSize.
func Decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)

	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, ErrDecompressionFailed
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// CompressBody compresses body when that makes it smaller and records the
// choice in h. The returned slice is what goes on the wire.
func CompressBody(h *protocol.Header, body []byte, level CompressionLevel) []byte {
	h.Flags.Clear(protocol.FlagCompressed)
	if level == CompressionNone || len(body) == 0 {
		return body
	}
	compressed, err := Compress(body, level)
	if err != nil || len(compressed) >= len(body) {
		return body
	}
	h.Flags.Set(protocol.FlagCompressed)
	return compressed
}

// DecompressBody reverses CompressBody according to h.
func DecompressBody(h protocol.Header, body []byte) ([]byte, error) {
	if !h.Flags.Has(protocol.FlagCompressed) {
		return body, nil
	}
	return Decompress(body)
}
