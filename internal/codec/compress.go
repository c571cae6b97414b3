package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrCompressionUnavailable is returned by a Compressor that cannot run.
	ErrCompressionUnavailable = errors.New("codec: compression unavailable")
	// ErrDecompress wraps every decompression failure.
	ErrDecompress = errors.New("codec: decompress")
)

// maxInflated caps decompressed output so a hostile code cannot balloon.
const maxInflated = 16 << 20

// Compressor is a byte-stream compressor that may be missing at runtime.
type Compressor interface {
	Available() bool
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Gzip compresses with gzip at the best compression level.
type Gzip struct{}

var gzipWriters = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(nil, gzip.BestCompression)
		return w
	},
}

// Available reports true.
func (Gzip) Available() bool { return true }

// Compress gzips data.
func (Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress gunzips data.
func (Gzip) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %w", ErrDecompress, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %w", ErrDecompress, err)
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("%w: output exceeds %d bytes", ErrDecompress, maxInflated)
	}
	return out, nil
}

// NoCompression stands in for a runtime without compression streams.
type NoCompression struct{}

// Available reports false.
func (NoCompression) Available() bool { return false }

// Compress always fails.
func (NoCompression) Compress([]byte) ([]byte, error) { return nil, ErrCompressionUnavailable }

// Decompress always fails.
func (NoCompression) Decompress([]byte) ([]byte, error) { return nil, ErrCompressionUnavailable }
