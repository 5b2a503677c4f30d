// Package stage implements StageState (spec.md §4.2): the mutable,
// per-shuffle-stage state machine that tracks attempt lifecycles,
// commits, and corruption. Each exported method locks internally and is
// atomic on its own. State also exposes a second lock, via Lock/Unlock,
// dedicated to serializing multi-step protocols (flushPartitions, the
// finish-upload drain, shutdown drain) that compose several of these
// self-locking calls into one logical operation — callers hold that
// lock across the whole sequence, which is safe precisely because it is
// a distinct mutex from the one each individual call takes internally.
package stage

import (
	"fmt"
	"sync"

	"github.com/shuffle-svc/executor/internal/buffer"
	"github.com/shuffle-svc/executor/internal/partition"
	"github.com/shuffle-svc/executor/internal/storagefacade"
	"github.com/shuffle-svc/executor/pkg/shuffleid"
	"github.com/shuffle-svc/executor/pkg/shuffletypes"
)

// ErrStageMismatch is returned by Register when a second registration
// disagrees with the first on numMaps, numPartitions, or writeConfig.
// The stage is marked corrupted as a side effect of returning this.
var ErrStageMismatch = fmt.Errorf("stage: register arguments do not match existing registration")

// WriterFactory creates the append-mode file a new PartitionWriter
// writes to. Stage calls this lazily, on first write to a partition,
// passing the stage's current fileStartIndex and numSplits so the
// factory can compute a file path that never collides with a prior
// process lifetime's files for this stage.
type WriterFactory func(partitionID, fileStartIndex, numSplits int32) (storagefacade.File, string, error)

// State is one shuffle stage's full mutable record. All exported
// methods lock internally; the zero value is not usable, construct
// with New.
type State struct {
	mu sync.Mutex

	// protoMu serializes multi-step protocols that compose several of
	// this type's own self-locking calls into one logical operation —
	// the flush/commit sequence, the finish-upload drain, and the
	// shutdown drain. It is a separate lock from mu so a caller can hold
	// it across calls like FlushAllPartitions or CommitMapTask without
	// deadlocking against their internal locking of mu.
	protoMu sync.Mutex

	appShuffleID   shuffleid.AppShuffleId
	fileStartIndex int32
	makeWriter     WriterFactory

	registered    bool
	numMaps       int32
	numPartitions int32
	writeConfig   shuffletypes.WriteConfig
	fileStatus    shuffletypes.FileStatus
	fsyncEnabled  bool

	writers             map[int32]*partition.Writer
	latestAttemptPerMap map[int32]int64
	finishedUploads     map[shuffleid.AppTaskAttemptId]struct{}
	pendingFlush        []shuffleid.AppTaskAttemptId
	pendingFlushSet     map[shuffleid.AppTaskAttemptId]struct{}
	committed           map[int32]int64
	finalizedFiles      map[int32][]shuffletypes.FilePathAndLength
}

// New creates an unregistered stage. fileStartIndex is the effective
// starting file index for this process's lifetime of this stage — for
// a fresh stage it is 0; for one recovered from the log it is the
// stored index bumped past the prior run's files.
func New(id shuffleid.AppShuffleId, fileStartIndex int32, makeWriter WriterFactory) *State {
	return &State{
		appShuffleID:        id,
		fileStartIndex:      fileStartIndex,
		makeWriter:          makeWriter,
		writers:             make(map[int32]*partition.Writer),
		latestAttemptPerMap: make(map[int32]int64),
		finishedUploads:     make(map[shuffleid.AppTaskAttemptId]struct{}),
		pendingFlushSet:     make(map[shuffleid.AppTaskAttemptId]struct{}),
		committed:           make(map[int32]int64),
		finalizedFiles:      make(map[int32][]shuffletypes.FilePathAndLength),
	}
}

// AppShuffleID returns the stage's identity.
func (s *State) AppShuffleID() shuffleid.AppShuffleId { return s.appShuffleID }

// Lock and Unlock implement sync.Locker over protoMu, so a caller can
// hold this stage's protocol lock across a whole multi-step sequence —
// the commit protocol (flush, commit, persist, conditional close), the
// finish-upload drain (mark, enqueue, fetch), and the shutdown drain —
// with no overlap between two such sequences on the same stage. This is
// distinct from the field mutex mu that each individual method below
// takes and releases on its own.
func (s *State) Lock()   { s.protoMu.Lock() }
func (s *State) Unlock() { s.protoMu.Unlock() }

// FileStartIndex returns the effective starting file index, possibly
// already bumped by load-time recovery.
func (s *State) FileStartIndex() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileStartIndex
}

// Register validates or establishes this stage's immutable shape. The
// first caller wins: it sets numMaps, numPartitions, and writeConfig,
// and the caller is responsible for persisting a StageInfo record on
// that branch (firstRegistration==true, err==nil). Every later caller
// must match exactly; a mismatch marks the stage corrupted and returns
// ErrStageMismatch.
func (s *State) Register(numMaps, numPartitions int32, cfg shuffletypes.WriteConfig) (firstRegistration bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registered {
		s.registered = true
		s.numMaps = numMaps
		s.numPartitions = numPartitions
		s.writeConfig = cfg
		return true, nil
	}

	if s.numMaps != numMaps || s.numPartitions != numPartitions || !s.writeConfig.Equal(cfg) {
		s.fileStatus = shuffletypes.FileStatusCorrupted
		return false, ErrStageMismatch
	}
	return false, nil
}

// NumMaps returns the registered map count; meaningless until Register
// has run once.
func (s *State) NumMaps() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numMaps
}

// NumPartitions returns the registered partition count.
func (s *State) NumPartitions() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numPartitions
}

// WriteConfig returns the registered write configuration.
func (s *State) WriteConfig() shuffletypes.WriteConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeConfig
}

// MarkStartUpload records attempt as the latest attempt seen for its
// mapId. Whichever call arrives last overwrites the earlier value, even
// if its taskAttemptId is lower — this method does not itself enforce
// monotonicity, matching the source's behavior of trusting the caller's
// sequencing.
func (s *State) MarkStartUpload(attempt shuffleid.AppTaskAttemptId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestAttemptPerMap[attempt.AppMapId.MapId] = attempt.TaskAttemptId
}

// MarkFinishUpload records that attempt finished uploading.
func (s *State) MarkFinishUpload(attempt shuffleid.AppTaskAttemptId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedUploads[attempt] = struct{}{}
}

// AddPendingFlush enqueues attempt for the next flush. Spec.md §9 leaves
// open whether a stale finishUpload (older than the map's current
// latest attempt) should suppress this — the source does not suppress
// it, so neither does this.
func (s *State) AddPendingFlush(attempt shuffleid.AppTaskAttemptId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.pendingFlushSet[attempt]; dup {
		return
	}
	s.pendingFlushSet[attempt] = struct{}{}
	s.pendingFlush = append(s.pendingFlush, attempt)
}

// FetchFlushMapAttempts drains and returns every attempt currently
// pending flush, in the order they were added. An empty result means
// the caller should skip scheduling a flush.
func (s *State) FetchFlushMapAttempts() []shuffleid.AppTaskAttemptId {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingFlush) == 0 {
		return nil
	}
	drained := s.pendingFlush
	s.pendingFlush = nil
	s.pendingFlushSet = make(map[shuffleid.AppTaskAttemptId]struct{})
	return drained
}

// writerLocked returns the PartitionWriter for partitionID, creating it
// via makeWriter on first touch. Caller must hold s.mu.
func (s *State) writerLocked(partitionID int32) (*partition.Writer, error) {
	if w, ok := s.writers[partitionID]; ok {
		return w, nil
	}
	f, path, err := s.makeWriter(partitionID, s.fileStartIndex, s.writeConfig.NumSplits)
	if err != nil {
		return nil, err
	}
	w := partition.New(path, f, s.fsyncEnabled)
	s.writers[partitionID] = w
	return w, nil
}

// SetFsyncEnabled controls whether newly created PartitionWriters
// durably sync on every flush. Set once, before any write traffic; the
// stage does not support changing this mid-flight because writers are
// created lazily and each one is told at construction time.
func (s *State) SetFsyncEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fsyncEnabled = enabled
}

// WriteData appends buf to the partition's writer, creating the writer
// if this is the first write to (stage, partition). Ownership of buf
// transfers in: exactly one Release happens, by WriteData itself or by
// the underlying writer.
func (s *State) WriteData(attempt shuffleid.MapTaskAttemptId, partitionID int32, buf buffer.Buffer) error {
	s.mu.Lock()
	w, err := s.writerLocked(partitionID)
	if err != nil {
		s.mu.Unlock()
		buf.Release()
		return err
	}
	s.mu.Unlock()
	return w.WriteData(attempt, buf)
}

// FlushAllPartitions flushes every live PartitionWriter. Called under
// the stage mutex as the first step of the commit protocol.
func (s *State) FlushAllPartitions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for partitionID, w := range s.writers {
		if w.Closed() {
			continue
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("stage: flush partition %d: %w", partitionID, err)
		}
	}
	return nil
}

// CommitMapTask records taskAttemptId as committed for mapId. A stale
// attempt (lower than the map's current latest) is still recorded,
// replacing whatever was committed for mapID before — only one committed
// attempt per map is kept — but AllLatestTaskAttemptsCommitted only
// counts it if it equals the current latest.
func (s *State) CommitMapTask(mapID int32, taskAttemptID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[mapID] = taskAttemptID
}

// AllLatestTaskAttemptsCommitted reports whether, for every mapId in
// [0, numMaps), the committed attempt equals the latest attempt seen
// for that map and both are present.
func (s *State) AllLatestTaskAttemptsCommitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mapID := int32(0); mapID < s.numMaps; mapID++ {
		latest, haveLatest := s.latestAttemptPerMap[mapID]
		committed, haveCommitted := s.committed[mapID]
		if !haveLatest || !haveCommitted || latest != committed {
			return false
		}
	}
	return true
}

// SnapshotFinalizedFiles returns the current (path, length) of every
// live partition writer, merged with finalized files recorded in a
// prior process lifetime. Called after a flush to build the
// TaskAttemptCommit record and by GetPersistedBytes.
func (s *State) SnapshotFinalizedFiles(partitionID int32) []shuffletypes.FilePathAndLength {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotFinalizedFilesLocked(partitionID)
}

func (s *State) snapshotFinalizedFilesLocked(partitionID int32) []shuffletypes.FilePathAndLength {
	out := append([]shuffletypes.FilePathAndLength(nil), s.finalizedFiles[partitionID]...)
	if w, ok := s.writers[partitionID]; ok {
		out = append(out, shuffletypes.FilePathAndLength{Path: w.Path(), Length: w.PersistedLength()})
	}
	return out
}

// AllPartitionSnapshots returns SnapshotFinalizedFiles for every
// partition in [0, numPartitions) — the shape flushPartitions persists
// into a TaskAttemptCommit record.
func (s *State) AllPartitionSnapshots() map[int32][]shuffletypes.FilePathAndLength {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32][]shuffletypes.FilePathAndLength, s.numPartitions)
	for p := int32(0); p < s.numPartitions; p++ {
		out[p] = s.snapshotFinalizedFilesLocked(p)
	}
	return out
}

// MergeFinalizedFiles records files as finalized for partitionID,
// replacing any earlier record for that partition — used by load-time
// recovery to install the last TaskAttemptCommit's snapshot before any
// live writer exists for this process.
func (s *State) MergeFinalizedFiles(partitionID int32, files []shuffletypes.FilePathAndLength) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizedFiles[partitionID] = append([]shuffletypes.FilePathAndLength(nil), files...)
}

// CloseWriters closes every partition writer. Idempotent: writers that
// are already closed, or that never existed, are no-ops.
func (s *State) CloseWriters() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeWritersLocked()
}

func (s *State) closeWritersLocked() error {
	var firstErr error
	for partitionID, w := range s.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stage: close partition %d: %w", partitionID, err)
		}
	}
	return firstErr
}

// CloseWriter closes a single partition's writer, if one exists. A
// no-op for a partition that was never written to in this process.
func (s *State) CloseWriter(partitionID int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[partitionID]
	if !ok {
		return nil
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("stage: close partition %d: %w", partitionID, err)
	}
	return nil
}

// SetFileCorrupted transitions the stage to CORRUPTED. Idempotent and
// absorbing: once set, nothing clears it.
func (s *State) SetFileCorrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileStatus = shuffletypes.FileStatusCorrupted
}

// IsCorrupted reports the current corruption state.
func (s *State) IsCorrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileStatus == shuffletypes.FileStatusCorrupted
}

// GetShuffleStageStatus returns the corruption state and the current
// committed-attempt map, keyed by mapId.
func (s *State) GetShuffleStageStatus() shuffletypes.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed := make(map[int32]int64, len(s.committed))
	for k, v := range s.committed {
		committed[k] = v
	}
	return shuffletypes.StageStatus{FileStatus: s.fileStatus, CommittedByMap: committed}
}

// BumpFileStartIndex raises fileStartIndex to at least candidate. Used
// by load-time recovery when a stored StageInfo's index exceeds the
// current one.
func (s *State) BumpFileStartIndex(candidate int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if candidate > s.fileStartIndex {
		s.fileStartIndex = candidate
	}
}
