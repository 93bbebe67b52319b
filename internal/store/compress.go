package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// objectHeader starts every object Local writes. One encoding byte follows
// it, so readers learn how an object is stored from the object itself and
// never from the caller's bytes.
var objectHeader = []byte("\x00fsobj")

// headerSize is the on-disk overhead of objectHeader plus the encoding byte.
var headerSize = int64(len(objectHeader) + 1)

// encoding is how an object's bytes sit on disk.
type encoding byte

const (
	// rawEncoding marks an object without a header, such as one copied into
	// the bucket by hand. It is returned exactly as stored.
	rawEncoding   encoding = 0
	plainEncoding encoding = 'p'
	zstdEncoding  encoding = 'z'
)

// Compressor frames objects at rest and optionally compresses them with zstd.
// The encoding byte written by Writer decides how Reader decodes, so objects
// stay readable whatever the compression setting is when they are read.
type Compressor struct {
	level   zstd.EncoderLevel
	enabled bool
}

// NewCompressor returns a Compressor. Levels 1-4 map to zstd's fastest,
// default, better and best settings; any other value selects the default.
func NewCompressor(level int, enabled bool) *Compressor {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	case 4:
		encoderLevel = zstd.SpeedBestCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}
	return &Compressor{level: encoderLevel, enabled: enabled}
}

// Enabled reports whether new writes are compressed.
func (c *Compressor) Enabled() bool { return c != nil && c.enabled }

// Writer writes the object header to w and returns the writer for the
// object's bytes, compressing them when enabled. It must be closed to flush
// the final frame.
func (c *Compressor) Writer(w io.Writer) (io.WriteCloser, error) {
	enc := plainEncoding
	if c.Enabled() {
		enc = zstdEncoding
	}
	head := append(append([]byte{}, objectHeader...), byte(enc))
	if _, err := w.Write(head); err != nil {
		return nil, err
	}
	if enc == plainEncoding {
		return nopWriteCloser{w}, nil
	}
	zw, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	return zw, nil
}

// Reader strips the object header from r and returns a reader yielding the
// original bytes together with the encoding found.
func (c *Compressor) Reader(r io.Reader) (rd io.Reader, enc encoding, closeFn func(), err error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(int(headerSize))
	if len(head) < int(headerSize) || !bytes.Equal(head[:len(objectHeader)], objectHeader) {
		return br, rawEncoding, func() {}, nil
	}
	enc = encoding(head[len(objectHeader)])
	if _, err := br.Discard(int(headerSize)); err != nil {
		return nil, 0, nil, err
	}
	switch enc {
	case plainEncoding:
		return br, enc, func() {}, nil
	case zstdEncoding:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, 0, nil, err
		}
		return dec, enc, dec.Close, nil
	default:
		return nil, 0, nil, fmt.Errorf("unknown object encoding %q", byte(enc))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
