// Package partition implements PartitionWriter (spec.md §4.1): the
// single append-mode file handle backing one (stage, partition) pair.
package partition

import (
	"errors"
	"sync"

	"github.com/shuffle-svc/executor/internal/buffer"
	"github.com/shuffle-svc/executor/internal/storagefacade"
	"github.com/shuffle-svc/executor/pkg/shuffleid"
)

// ErrWriterClosed is returned by WriteData and Flush once Close has run.
// Closed writers cannot be reopened within the life of a stage.
var ErrWriterClosed = errors.New("partition: writer is closed")

// Writer owns one append-mode file handle and the in-memory bytes
// accumulated since the last flush. Every exported method synchronizes
// internally; callers don't need an external lock to use a single
// Writer from multiple goroutines, though the stage mutex already
// serializes the commit protocols that call Flush and Close.
type Writer struct {
	mu sync.Mutex

	path         string
	file         storagefacade.File
	fsyncEnabled bool

	pending         []byte
	persistedLength int64
	closed          bool
}

// New creates a writer over an already-opened append-mode file handle.
// fsyncEnabled controls whether Flush durably syncs in addition to
// pushing bytes to the OS.
func New(path string, file storagefacade.File, fsyncEnabled bool) *Writer {
	return &Writer{path: path, file: file, fsyncEnabled: fsyncEnabled}
}

// Path returns the on-disk path this writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// WriteData appends buf's bytes to the in-memory pending region. buf is
// released exactly once, on this call, regardless of outcome — this is
// the writer's half of the buffer-release law; the caller's half is
// releasing buf itself if it never reaches WriteData at all.
func (w *Writer) WriteData(_ shuffleid.MapTaskAttemptId, buf buffer.Buffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer buf.Release()

	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, buf.Bytes()...)
	return nil
}

// Flush pushes every byte appended since the last flush to the OS and,
// if fsyncEnabled, durably syncs. It is a synchronization point: once it
// returns, every WriteData call that returned before Flush was called is
// persisted.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.closed {
		return ErrWriterClosed
	}
	if len(w.pending) > 0 {
		if _, err := w.file.Write(w.pending); err != nil {
			return err
		}
		w.persistedLength += int64(len(w.pending))
		w.pending = w.pending[:0]
	}
	if w.fsyncEnabled {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes any pending bytes and releases the file handle. Close is
// idempotent: a second call is a no-op returning nil.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	flushErr := func() error {
		if len(w.pending) > 0 {
			if _, err := w.file.Write(w.pending); err != nil {
				return err
			}
			w.persistedLength += int64(len(w.pending))
			w.pending = w.pending[:0]
		}
		if w.fsyncEnabled {
			return w.file.Sync()
		}
		return nil
	}()

	closeErr := w.file.Close()
	w.closed = true

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// PersistedLength returns the total bytes that have passed at least one
// Flush. It is monotonic non-decreasing for the life of the writer.
func (w *Writer) PersistedLength() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.persistedLength
}

// Closed reports whether Close has already run.
func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
