// Package shuffletypes holds the small value types shared between the
// stage, executor, and state-store layers: the write configuration
// negotiated at registration time, file status, and the persisted-bytes
// snapshot returned to callers.
package shuffletypes

import "fmt"

// WriteConfig is the configuration a mapper negotiates when registering
// a shuffle stage. NumSplits controls how many on-disk file "slots" a
// stage consumes — it is what fileStartIndex advances by across a
// restart, so that a new run never reuses a previous run's file names.
// CompressionCodec is an opaque tag: this layer never interprets it. It
// is stored, persisted, and compared at registration; it is not passed
// to PartitionWriter.
type WriteConfig struct {
	NumSplits        int32
	CompressionCodec string
	BufferSize       int32
}

// Equal reports whether two configs are identical. Registration
// mismatches compare configs with Equal, not ==, because WriteConfig may
// grow pointer-ish fields later without changing this contract.
func (c WriteConfig) Equal(other WriteConfig) bool {
	return c == other
}

func (c WriteConfig) String() string {
	return fmt.Sprintf("WriteConfig{numSplits=%d, codec=%q, bufferSize=%d}", c.NumSplits, c.CompressionCodec, c.BufferSize)
}

// FileStatus is the corruption state of a shuffle stage. Corrupted is
// absorbing: once set, nothing in this codebase clears it back to OK.
type FileStatus byte

const (
	FileStatusOK FileStatus = iota
	FileStatusCorrupted
)

func (s FileStatus) String() string {
	if s == FileStatusCorrupted {
		return "CORRUPTED"
	}
	return "OK"
}

// StageNotStartedStatus is a sentinel FileStatus returned by
// Executor.GetShuffleStageStatus for a shuffle id the executor has never
// seen — it is not an error, just an empty status (spec.md §4.3).
const StageNotStartedStatus FileStatus = 0xff

// StageStatus is the (corruption, committed-attempts) pair returned by
// GetShuffleStageStatus.
type StageStatus struct {
	FileStatus      FileStatus
	CommittedByMap  map[int32]int64 // mapId -> committed taskAttemptId; nil when StageNotStartedStatus
}

// FilePathAndLength is one finalized partition file and its persisted
// byte length, as returned by GetPersistedBytes and recorded in
// TaskAttemptCommit log items.
type FilePathAndLength struct {
	Path   string
	Length int64
}
