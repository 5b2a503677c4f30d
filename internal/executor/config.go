package executor

import "time"

// Config is every tunable spec.md §6 enumerates.
type Config struct {
	// RootDir is the filesystem base path every application's shuffle
	// directory is rooted under.
	RootDir string
	// FsyncEnabled controls whether PartitionWriter.Flush durably syncs
	// in addition to pushing bytes to the OS.
	FsyncEnabled bool
	// AppRetention is how long an application may sit idle before
	// removeExpiredApplications reclaims it.
	AppRetention time.Duration
	// AppFileRetention governs an out-of-scope GC of file directories;
	// tracked here only so configuration round-trips, never enforced by
	// this package (spec.md §9 open question).
	AppFileRetention time.Duration
	// AppMaxWriteBytes is the per-application cumulative write quota.
	AppMaxWriteBytes int64
	// StateCommitInterval controls how often flushPartitions calls
	// stateStore.Commit(); zero means every flush commits.
	StateCommitInterval time.Duration
	// CompactInterval is how often the state store is rewritten down to
	// the minimal set of records that reconstructs current state,
	// dropping superseded StageInfo/TaskAttemptCommit history. Zero
	// disables compaction.
	CompactInterval time.Duration
	// FileCompressionCodec is an opaque tag; this layer never interprets
	// it. It is only stored and returned by GetFileCompressionCodec — it
	// is not passed to PartitionWriters.
	FileCompressionCodec string

	// StartupLoadBudget bounds loadStateStore's wall-clock recovery
	// window. Exposed so tests can shrink it well below 30s.
	StartupLoadBudget time.Duration
	// ExpirySweepInterval is how often removeExpiredApplications runs.
	// Exposed so tests can shrink it well below 60s.
	ExpirySweepInterval time.Duration
	// ShutdownGrace bounds how long Stop(true) waits for the scheduler
	// to drain before returning regardless.
	ShutdownGrace time.Duration

	// SchedulerWorkers is the fixed size of the background flush pool.
	SchedulerWorkers int
	// SchedulerQueueSize is the flush task channel's buffer capacity.
	SchedulerQueueSize int
}

// DefaultConfig returns the defaults spec.md §6 enumerates.
func DefaultConfig() Config {
	return Config{
		FsyncEnabled:         false,
		AppRetention:         6 * time.Hour,
		AppFileRetention:     36 * time.Hour,
		AppMaxWriteBytes:     3 << 40, // 3 TiB
		StateCommitInterval:  0,
		CompactInterval:      30 * time.Minute,
		FileCompressionCodec: "",
		StartupLoadBudget:    30 * time.Second,
		ExpirySweepInterval:  60 * time.Second,
		ShutdownGrace:        3 * time.Minute,
		SchedulerWorkers:     8,
		SchedulerQueueSize:   256,
	}
}
