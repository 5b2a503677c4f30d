// Package statestore implements the append-only durable log described
// in spec.md §4.4: tagged Records, an explicit commit() durability
// barrier, and a one-shot forward replay iterator for startup recovery.
// Grounded on the write-ahead-log idiom of this codebase's job queue —
// same append/flush/Close shape, generalized from a single EventType
// schema to the four-variant Record sum type this domain needs.
package statestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned by Append and Commit once Close has run.
var ErrClosed = errors.New("statestore: store is closed")

// file is the subset of *os.File the store needs. An interface so tests
// can inject a handle that doesn't touch disk.
type file interface {
	io.Writer
	Sync() error
	Close() error
}

// Store is the append-only log. The executor is its only writer; no
// concurrent writers are supported, matching spec.md §5.
type Store struct {
	mu      sync.Mutex
	path    string
	file    file
	encoder *json.Encoder
	closed  bool
}

// Open creates or appends to the log file at path. Existing content is
// preserved; new records are appended after it.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statestore: open %s: %w", path, err)
	}
	return &Store{path: path, file: f, encoder: json.NewEncoder(f)}, nil
}

// OpenWithFile wires an already-open handle, for tests that don't want
// a real file on disk.
func OpenWithFile(path string, f file) *Store {
	return &Store{path: path, file: f, encoder: json.NewEncoder(f)}
}

// Append writes one record to the log. It does not by itself guarantee
// durability — call Commit for that barrier.
func (s *Store) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.encoder.Encode(r); err != nil {
		return fmt.Errorf("statestore: append %s record: %w", r.Kind, err)
	}
	return nil
}

// Commit is the durability barrier: every Append that returned before
// this call is fsynced before Commit returns.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("statestore: commit: %w", err)
	}
	return nil
}

// Close commits any outstanding writes and releases the file handle.
// Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// LoadData reads the log as it stands at the time of the call and
// returns a one-shot forward iterator over its records, in append order.
// Safe to call while the Store is open for writing — records appended
// after LoadData returns, including any appended during the replay
// itself, are not seen by this iterator.
func (s *Store) LoadData() (*Iterator, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Iterator{decoder: json.NewDecoder(bytes.NewReader(nil))}, nil
		}
		return nil, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	return &Iterator{decoder: json.NewDecoder(bytes.NewReader(data))}, nil
}

// Iterator reads Records off a log in order. Next returns io.EOF when
// the log is exhausted cleanly, and ErrTornRecord when the log ends
// mid-record — the signal callers treat as a partial load (spec.md §6).
type Iterator struct {
	file    *os.File
	decoder *json.Decoder
}

// ErrTornRecord signals that the log ended in the middle of writing a
// record — the last Append before a crash never completed.
var ErrTornRecord = errors.New("statestore: trailing torn record")

// Next decodes the next record. Callers should stop iterating on any
// non-nil error; io.EOF and ErrTornRecord are not necessarily distinct
// failures to the caller (both mean "stop here"), but are kept distinct
// so tests can assert the torn-record path specifically.
func (it *Iterator) Next() (Record, error) {
	var r Record
	if !it.decoder.More() {
		return r, io.EOF
	}
	if err := it.decoder.Decode(&r); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return r, ErrTornRecord
		}
		return r, err
	}
	return r, nil
}

// Close releases the iterator's read handle.
func (it *Iterator) Close() error {
	if it.file == nil {
		return nil
	}
	return it.file.Close()
}

// Compact replaces the on-disk log with exactly the given records,
// atomically. Callers pass the minimal set of records that reconstructs
// current state (one StageInfo plus the latest commit per stage, say) so
// that recovery on the next restart no longer has to replay history that's
// been superseded. Grounded on this codebase's snapshot manager: write to
// a temp file, fsync it, then os.Rename over the live path so a crash
// mid-compaction never leaves a half-written log in place — the rename
// either hasn't happened (old log intact) or has (new log intact).
func (s *Store) Compact(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tmpPath := s.path + ".compact.tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: create compaction temp file: %w", err)
	}
	enc := json.NewEncoder(tmpFile)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("statestore: encode record during compaction: %w", err)
		}
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: sync compaction temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close compaction temp file: %w", err)
	}

	if err := s.file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close live log before compaction: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("statestore: rename compacted log into place: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("statestore: reopen compacted log: %w", err)
	}
	s.file = f
	s.encoder = json.NewEncoder(f)
	return nil
}
