// Package journal appends JSON lines to zstd-compressed files rotated every
// hour. The server journals one record per tick.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const hourLayout = "2006-01-02-15"

var ErrClosed = errors.New("journal closed")

type Writer struct {
	dir    string
	prefix string

	mu      sync.Mutex
	hour    string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
	records uint64
	closed  bool
}

// Open creates dir when needed. Files are named <prefix>-<hour>.jsonl.zst.
func Open(dir, prefix string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal: empty directory")
	}
	if prefix == "" {
		prefix = "ticks"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Writer{dir: dir, prefix: prefix}, nil
}

// Write appends rec as one line of the file for the hour of now.
func (w *Writer) Write(now time.Time, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: encode record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	hour := now.UTC().Format(hourLayout)
	if hour != w.hour {
		if err = w.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err = w.w.Write(b); err != nil {
		return err
	}
	if err = w.w.WriteByte('\n'); err != nil {
		return err
	}
	w.records++
	return w.w.Flush()
}

// Records is the number of records written since Open.
func (w *Writer) Records() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Path is the file records for the hour of t go to.
func (w *Writer) Path(t time.Time) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, t.UTC().Format(hourLayout)))
}

func (w *Writer) rotateLocked(hour string) error {
	if err := w.closeFileLocked(); err != nil {
		return err
	}
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: %w", err)
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.hour = hour
	return nil
}

func (w *Writer) closeFileLocked() error {
	var err error
	if w.w != nil {
		err = w.w.Flush()
		w.w = nil
	}
	if w.enc != nil {
		err = errors.Join(err, w.enc.Close())
		w.enc = nil
	}
	if w.f != nil {
		err = errors.Join(err, w.f.Close())
		w.f = nil
	}
	w.hour = ""
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeFileLocked()
}

// ReadFile decodes every record of one journal file.
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []T
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		var rec T
		if err = json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("journal: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}
