package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Header precedes every frame on the wire. Serial links start mid-stream and
// drop bytes, so the reader scans for it before each length prefix.
var Header = [4]byte{0xff, 0xff, 0xff, 0xff}

const (
	DefaultMaxFrame   = 64 * 1024
	MaxFrameHardLimit = 1024 * 1024
)

// ErrFrameTooLarge is returned when a length prefix exceeds the configured
// limit. Like ErrMalformed it does not poison the stream.
var ErrFrameTooLarge = errors.New("frame too large")

// Recoverable reports whether err leaves the stream usable for the next frame.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrFrameTooLarge)
}

// Reader reads framed CBOR bodies from a byte stream.
type Reader struct {
	r        *bufio.Reader
	maxFrame int
	skipped  int
}

// NewReader creates a Reader with the default frame limit
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxFrame: DefaultMaxFrame}
}

// SetMaxFrame updates the body size limit. Values above MaxFrameHardLimit
// are clamped.
func (fr *Reader) SetMaxFrame(n int) {
	if n <= 0 || n > MaxFrameHardLimit {
		n = MaxFrameHardLimit
	}
	fr.maxFrame = n
}

// Skipped returns how many bytes were discarded while looking for headers or
// skipping oversized bodies.
func (fr *Reader) Skipped() int { return fr.skipped }

// ReadFrame blocks until a complete frame is read. io errors are returned
// as is; io.EOF means the peer closed the stream cleanly.
func (fr *Reader) ReadFrame() (Frame, error) {
	if err := fr.sync(); err != nil {
		return nil, err
	}

	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		return nil, noEOF(err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if int64(length) > int64(fr.maxFrame) {
		// A body under the hard limit is skipped whole so header-like runs
		// inside it cannot be mistaken for the next frame. Larger lengths are
		// more likely corruption; the reader resynchronises from here.
		if length <= MaxFrameHardLimit {
			n, err := fr.r.Discard(int(length))
			fr.skipped += n
			if err != nil {
				return nil, noEOF(err)
			}
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, length, fr.maxFrame)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		return nil, noEOF(err)
	}
	return Decode(data)
}

// sync consumes bytes until four consecutive 0xff bytes were read.
func (fr *Reader) sync() error {
	run := 0
	for run < len(Header) {
		b, err := fr.r.ReadByte()
		if err != nil {
			if run > 0 {
				return noEOF(err)
			}
			return err
		}
		if b == 0xff {
			run++
			continue
		}
		fr.skipped += run + 1
		run = 0
	}
	// Length prefixes never start with 0xff, so a longer run is leading garbage.
	for {
		next, err := fr.r.Peek(1)
		if err != nil || next[0] != 0xff {
			return nil
		}
		if _, err := fr.r.ReadByte(); err != nil {
			return noEOF(err)
		}
		fr.skipped++
	}
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer frames and writes bodies. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame int
}

// NewWriter creates a Writer with the default frame limit
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, maxFrame: DefaultMaxFrame}
}

// SetMaxFrame updates the body size limit
func (fw *Writer) SetMaxFrame(n int) {
	if n <= 0 || n > MaxFrameHardLimit {
		n = MaxFrameHardLimit
	}
	fw.maxFrame = n
}

// WriteFrame encodes f and writes header, length and body in one Write so a
// frame is never interleaved with another writer's bytes.
func (fw *Writer) WriteFrame(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if len(data) > fw.maxFrame {
		return fmt.Errorf("%w: encoded %s is %d bytes, limit %d", ErrFrameTooLarge, f.Kind(), len(data), fw.maxFrame)
	}

	buf := make([]byte, 0, len(Header)+4+len(data))
	buf = append(buf, Header[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(buf)
	return err
}

// Stream pairs a Reader and a Writer over one duplex connection.
type Stream struct {
	*Reader
	*Writer
	rw io.ReadWriter
}

// NewStream wraps rw.
func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{Reader: NewReader(rw), Writer: NewWriter(rw), rw: rw}
}

// SetMaxFrame applies n to both directions.
func (s *Stream) SetMaxFrame(n int) {
	s.Reader.SetMaxFrame(n)
	s.Writer.SetMaxFrame(n)
}

// Close closes the underlying connection if it supports closing.
func (s *Stream) Close() error {
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
