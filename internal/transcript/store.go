// Package transcript records what a shell session displayed. Each session is
// one zstd-compressed file of length-delimited CBOR records, named after the
// session id.
package transcript

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Ext is the transcript file extension.
const Ext = ".xlt"

const (
	formatVersion = 1
	maxRecord     = 1 << 20
	syncEvery     = 200 * time.Millisecond
)

var ErrNotTranscript = errors.New("not a transcript")

// Header opens every transcript.
type Header struct {
	Version   int       `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	Device    string    `cbor:"3,keyasint,omitempty"`
	Port      string    `cbor:"4,keyasint,omitempty"`
	Started   time.Time `cbor:"5,keyasint"`
}

// Entry is one displayed line.
type Entry struct {
	Seq   int64     `cbor:"1,keyasint"`
	At    time.Time `cbor:"2,keyasint"`
	Style string    `cbor:"3,keyasint"`
	Text  string    `cbor:"4,keyasint"`
}

// Store keeps transcripts in a directory.
type Store struct {
	rootDir string
}

func New(rootDir string) *Store {
	return &Store{rootDir: rootDir}
}

// Dir returns the directory transcripts are written to.
func (s *Store) Dir() string { return s.rootDir }

// Create starts a new transcript for a session.
func (s *Store) Create(device, port string) (*Recorder, error) {
	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return nil, err
	}
	h := Header{
		Version:   formatVersion,
		SessionID: uuid.NewString(),
		Device:    device,
		Port:      port,
		Started:   time.Now().UTC(),
	}
	path := filepath.Join(s.rootDir, h.SessionID+Ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		return nil, err
	}
	r := &Recorder{path: path, header: h, file: f, enc: enc, nextSeq: 1, lastSync: time.Now()}
	if err := r.write(h); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// List returns the headers of stored transcripts, newest first. Unreadable
// files are skipped.
func (s *Store) List() ([]Header, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Header, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		h, err := ReadHeader(filepath.Join(s.rootDir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	return out, nil
}

// Path returns the file of session id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.rootDir, id+Ext)
}

// Recorder appends entries to an open transcript. It is safe for
// concurrent use.
type Recorder struct {
	path   string
	header Header

	mu       sync.Mutex
	file     *os.File
	enc      *zstd.Encoder
	nextSeq  int64
	lastSync time.Time
	err      error
}

func (r *Recorder) Path() string      { return r.path }
func (r *Recorder) SessionID() string { return r.header.SessionID }

// Record appends one displayed line. The first write error is kept and
// returned by Close; later records are dropped.
func (r *Recorder) Record(style, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil || r.enc == nil {
		return
	}
	e := Entry{Seq: r.nextSeq, At: time.Now().UTC(), Style: style, Text: text}
	r.nextSeq++
	if err := r.writeLocked(e); err != nil {
		r.err = err
		return
	}
	if time.Since(r.lastSync) > syncEvery {
		r.err = r.syncLocked()
	}
}

func (r *Recorder) write(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeLocked(v)
}

func (r *Recorder) writeLocked(v any) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	return writeDelimited(r.enc, b)
}

func (r *Recorder) syncLocked() error {
	if err := r.enc.Flush(); err != nil {
		return err
	}
	r.lastSync = time.Now()
	return r.file.Sync()
}

// Close finishes the compressed stream and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return r.err
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// ReadHeader returns the header of the transcript at path.
func ReadHeader(path string) (Header, error) {
	var h Header
	err := Replay(path, func(got Header) error { h = got; return errStop }, nil)
	if errors.Is(err, errStop) {
		err = nil
	}
	return h, err
}

var errStop = errors.New("stop")

// Replay reads the transcript at path, calling onHeader once and onEntry
// for each entry in order. Either callback may be nil. A transcript cut
// short by a crash ends without error.
func Replay(path string, onHeader func(Header) error, onEntry func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotTranscript, path, err)
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	msg, err := readDelimited(br)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotTranscript, path, err)
	}
	var h Header
	if err := cbor.Unmarshal(msg, &h); err != nil || h.Version != formatVersion || h.SessionID == "" {
		return fmt.Errorf("%w: %s: bad header", ErrNotTranscript, path)
	}
	if onHeader != nil {
		if err := onHeader(h); err != nil {
			return err
		}
	}
	for {
		msg, err := readDelimited(br)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var e Entry
		if err := cbor.Unmarshal(msg, &e); err != nil {
			return fmt.Errorf("transcript %s: entry: %w", path, err)
		}
		if onEntry != nil {
			if err := onEntry(e); err != nil {
				return err
			}
		}
	}
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if l == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if l > maxRecord {
		return nil, fmt.Errorf("record too large: %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDelimited(w io.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
