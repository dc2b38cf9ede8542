// Package compression decodes compressed blobs fetched by queue-driven
// connectors. The algorithm is taken from the payload's magic bytes and,
// failing that, from the object's Content-Encoding, Content-Type or key
// suffix.
//
// # Supported algorithms
//
//   - Gzip: magic 1f 8b, the common case for S3 and GCS exports
//   - Zstd: magic 28 b5 2f fd
//   - LZ4: frame magic 04 22 4d 18
//   - Snappy: framed stream "\xff\x06\x00\x00sNaPpY"
//
// # Basic Usage
//
//	rc, err := compression.NewReader(body, compression.FromMetadata(contentType, contentEncoding, key))
//	if err != nil {
//	    return err
//	}
//	defer rc.Close()
//
// Writers exist for every algorithm so producers and tests can build fixtures:
//
//	w, _ := compression.NewWriter(&buf, compression.Zstd, compression.Default)
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
)

// Level represents compression level, controlling the trade-off between
// compression speed and compression ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Best maximizes compression ratio.
	Best Level = 9
)

var magics = []struct {
	algorithm Algorithm
	prefix    []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{Snappy, []byte("\xff\x06\x00\x00sNaPpY")},
}

// Detect returns the algorithm announced by header's magic bytes, or None.
func Detect(header []byte) Algorithm {
	for _, m := range magics {
		if bytes.HasPrefix(header, m.prefix) {
			return m.algorithm
		}
	}
	return None
}

// FromMetadata derives an algorithm hint from object metadata. Encoding
// wins over content type, which wins over the key suffix.
func FromMetadata(contentType, contentEncoding, key string) Algorithm {
	for _, v := range []string{contentEncoding, contentType} {
		v = strings.ToLower(v)
		switch {
		case strings.Contains(v, "gzip"):
			return Gzip
		case strings.Contains(v, "zstd"):
			return Zstd
		case strings.Contains(v, "lz4"):
			return LZ4
		case strings.Contains(v, "snappy"):
			return Snappy
		}
	}
	switch strings.ToLower(path.Ext(key)) {
	case ".gz", ".gzip":
		return Gzip
	case ".zst", ".zstd":
		return Zstd
	case ".lz4":
		return LZ4
	case ".sz", ".snappy":
		return Snappy
	}
	return None
}

var gzipReaders sync.Pool

// NewReader returns a reader yielding the decompressed content of r. The
// magic bytes decide; hint is used when they name nothing. A hinted
// algorithm whose header does not parse is a parse error.
func NewReader(r io.Reader, hint Algorithm) (io.ReadCloser, error) {
	br := bufio.NewReader(&sourceReader{r: r})
	header, err := br.Peek(10)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}

	algorithm := Detect(header)
	if algorithm == None {
		algorithm = hint
	}
	if len(header) == 0 {
		algorithm = None
	}

	switch algorithm {
	case None, "":
		return io.NopCloser(br), nil
	case Gzip:
		zr, _ := gzipReaders.Get().(*gzip.Reader)
		if zr == nil {
			zr = new(gzip.Reader)
		}
		if err := zr.Reset(br); err != nil {
			gzipReaders.Put(zr)
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "bad gzip header")
		}
		return &gzipReadCloser{Reader: zr}, nil
	case Zstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, "bad zstd stream")
		}
		return &readCloser{Reader: wrapParse(dec, Zstd), close: func() error { dec.Close(); return nil }}, nil
	case LZ4:
		return io.NopCloser(wrapParse(lz4.NewReader(br), LZ4)), nil
	case Snappy:
		return io.NopCloser(wrapParse(snappy.NewReader(br), Snappy)), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported compression algorithm: %s", algorithm)
	}
}

// Decompress is NewReader over an in-memory payload.
func Decompress(data []byte, hint Algorithm) ([]byte, error) {
	rc, err := NewReader(bytes.NewReader(data), hint)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// NewWriter returns a writer compressing into w. Close flushes the trailer
// but leaves w open.
func NewWriter(w io.Writer, algorithm Algorithm, level Level) (io.WriteCloser, error) {
	switch algorithm {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, mapGzipLevel(level))
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(mapZstdLevel(level)))
	case LZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(mapLZ4Level(level))); err != nil {
			return nil, err
		}
		return lw, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// Compress compresses data in memory.
func Compress(data []byte, algorithm Algorithm, level Level) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, algorithm, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type gzipReadCloser struct {
	*gzip.Reader
}

func (g *gzipReadCloser) Read(p []byte) (int, error) {
	n, err := g.Reader.Read(p)
	return n, asParseError(err, Gzip)
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	gzipReaders.Put(g.Reader)
	return err
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// parseReader tags decoder failures as parse errors.
type parseReader struct {
	r         io.Reader
	algorithm Algorithm
}

func wrapParse(r io.Reader, algorithm Algorithm) io.Reader {
	return &parseReader{r: r, algorithm: algorithm}
}

func (p *parseReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	return n, asParseError(err, p.algorithm)
}

// sourceReader tags failures of the underlying object stream so decoders
// do not report them as corrupt payloads.
type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if err != nil && err != io.EOF {
		if _, ok := err.(*errors.Error); !ok {
			err = errors.Wrap(err, errors.ErrorTypeConnection, "object read failed")
		}
	}
	return n, err
}

func asParseError(err error, algorithm Algorithm) error {
	if err == nil || err == io.EOF || errors.IsType(err, errors.ErrorTypeConnection) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeParse, "corrupt "+string(algorithm)+" stream")
}

// Helper functions to map compression levels

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}
