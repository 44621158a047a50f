// Package jsonl appends outcomes to a JSON-lines file, one outcome per line.
// Paths ending in ".zst" are written as a zstd stream.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/MrWong99/colloquy/internal/pool"
	"github.com/MrWong99/colloquy/internal/resultstore"
)

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("jsonl: store is closed")

// Store is a JSON-lines outcome sink. It is safe for concurrent use.
type Store struct {
	path string

	mu     sync.Mutex
	file   *os.File
	zw     *zstd.Encoder
	w      io.Writer
	closed bool
}

// Compile-time interface assertions.
var (
	_ resultstore.Store   = (*Store)(nil)
	_ resultstore.Checker = (*Store)(nil)
)

// Open creates or appends to path. A ".zst" suffix starts a new zstd frame
// after any existing content, which zstd readers decode as one stream.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	s := &Store{path: path, file: f, w: f}
	if strings.HasSuffix(path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("jsonl: zstd writer: %w", err)
		}
		s.zw = zw
		s.w = zw
	}
	return s, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string { return s.path }

// Save appends o as one line.
func (s *Store) Save(_ context.Context, o pool.Outcome) error {
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("jsonl: marshal %s: %w", o.SampleID, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("jsonl: write %s: %w", o.SampleID, err)
	}
	return nil
}

// Check reports whether the store still accepts outcomes.
func (s *Store) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close finishes the zstd frame, if any, and closes the file. Calling Close
// more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.zw != nil {
		if err := s.zw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("jsonl: finish zstd frame: %w", err))
		}
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("jsonl: close %q: %w", s.path, err))
	}
	return errors.Join(errs...)
}

// ReadAll decodes every outcome in the file at path, transparently
// decompressing ".zst" files. The CLI and tests use it to re-read results.
func ReadAll(path string) ([]pool.Outcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("jsonl: zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var out []pool.Outcome
	dec := json.NewDecoder(r)
	for {
		var o pool.Outcome
		if err := dec.Decode(&o); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("jsonl: decode %q line %d: %w", path, len(out)+1, err)
		}
		out = append(out, o)
	}
}
