// Package executor implements ShuffleExecutor (spec.md §4.3): the
// orchestrator that routes every client-facing operation, runs the
// periodic expiry sweep, performs startup recovery, and enforces
// quotas. Grounded on this codebase's top-level controller — same
// NewX(Config)/Start/Stop shape and the same "recover, then run loops"
// lifecycle — generalized from a job-queue's dispatch/result/timeout
// loops to a shuffle stage's write/flush/expiry operations.
package executor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shuffle-svc/executor/internal/appstate"
	"github.com/shuffle-svc/executor/internal/buffer"
	"github.com/shuffle-svc/executor/internal/metrics"
	"github.com/shuffle-svc/executor/internal/scheduler"
	"github.com/shuffle-svc/executor/internal/stage"
	"github.com/shuffle-svc/executor/internal/statestore"
	"github.com/shuffle-svc/executor/internal/storagefacade"
	"github.com/shuffle-svc/executor/pkg/shuffleid"
	"github.com/shuffle-svc/executor/pkg/shuffletypes"
)

var log = slog.Default()

// WriteOp is the argument to WriteData: one chunk of a map task's
// output bound for one partition.
type WriteOp struct {
	AppShuffleID  shuffleid.AppShuffleId
	MapID         int32
	TaskAttemptID int64
	Partition     int32
	Buf           buffer.Buffer
}

// Executor is the shuffle server's core, routing every surface
// operation (spec.md §4.3) across the concurrent appStates and
// stageStates maps.
type Executor struct {
	cfg     Config
	storage storagefacade.Storage
	store   *statestore.Store
	metrics metrics.Sink
	sched   *scheduler.Scheduler

	appStates   sync.Map // shuffleid.AppId -> *appstate.State
	stageStates sync.Map // shuffleid.AppShuffleId -> *stage.State

	commitMu   sync.Mutex
	lastCommit time.Time
}

// New constructs an Executor. Call LoadStateStore before serving
// traffic to recover any prior run's state, then Start to launch the
// background scheduler.
func New(cfg Config, storage storagefacade.Storage, store *statestore.Store, sink metrics.Sink) *Executor {
	return &Executor{
		cfg:        cfg,
		storage:    storage,
		store:      store,
		metrics:    sink,
		sched:      scheduler.New(cfg.SchedulerQueueSize),
		lastCommit: time.Now(),
	}
}

// Start launches the background scheduler: the fixed flush-task pool
// and the periodic expiry sweep.
func (e *Executor) Start() {
	e.sched.Start(e.cfg.SchedulerWorkers)
	e.sched.StartPeriodic(e.cfg.ExpirySweepInterval, e.removeExpiredApplications)
	if e.cfg.CompactInterval > 0 {
		e.sched.StartPeriodic(e.cfg.CompactInterval, e.compactStateStore)
	}
}

func (e *Executor) getApp(appID shuffleid.AppId) *appstate.State {
	if v, ok := e.appStates.Load(appID); ok {
		return v.(*appstate.State)
	}
	v, _ := e.appStates.LoadOrStore(appID, appstate.New(string(appID), time.Now()))
	return v.(*appstate.State)
}

func (e *Executor) touchApp(appID shuffleid.AppId) *appstate.State {
	app := e.getApp(appID)
	app.Touch(time.Now())
	return app
}

func (e *Executor) getStage(id shuffleid.AppShuffleId) (*stage.State, bool) {
	v, ok := e.stageStates.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*stage.State), true
}

// makeWriterFactory returns the closure a new StageState hands to its
// PartitionWriters: it opens a file at the path the fileStartIndex and
// numSplits determine and creates it through the storage facade.
func (e *Executor) makeWriterFactory(id shuffleid.AppShuffleId) stage.WriterFactory {
	return func(partitionID, fileStartIndex, numSplits int32) (storagefacade.File, string, error) {
		fileIndex := fileStartIndex
		if numSplits > 0 {
			fileIndex = fileStartIndex + partitionID%numSplits
		}
		path := storagefacade.PartitionFilePath(e.cfg.RootDir, string(id.AppId), id.ShuffleId, partitionID, fileIndex)
		f, err := e.storage.CreateWriterFile(path)
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
}

// RegisterShuffle registers a shuffle stage, delegating to StageState.
// The first caller for a given id persists a StageInfo record; later
// callers must match exactly or the stage is marked corrupted.
func (e *Executor) RegisterShuffle(id shuffleid.AppShuffleId, numMaps, numPartitions int32, cfg shuffletypes.WriteConfig) error {
	v, _ := e.stageStates.LoadOrStore(id, stage.New(id, 0, e.makeWriterFactory(id)))
	st := v.(*stage.State)
	st.SetFsyncEnabled(e.cfg.FsyncEnabled)

	first, err := st.Register(numMaps, numPartitions, cfg)
	if err != nil {
		e.persistCorruption(id)
		return fmt.Errorf("%w: %v", ErrStageCorrupted, err)
	}
	if first {
		if err := e.store.Append(statestore.NewStageInfo(statestore.StageInfo{
			AppShuffleID:   id,
			NumMaps:        numMaps,
			NumPartitions:  numPartitions,
			FileStartIndex: st.FileStartIndex(),
			WriteConfig:    cfg,
			FileStatus:     shuffletypes.FileStatusOK,
		})); err != nil {
			log.Error("persist StageInfo", "stage", id.String(), "error", err)
		}
		e.maybeCommit()
	}
	return nil
}

// StartUpload refreshes app liveness, enforces quota, and records
// attempt as the latest attempt for its map. A quota breach also marks
// the stage corrupted and persists the corruption before failing,
// matching the quota handling in WriteData.
func (e *Executor) StartUpload(attempt shuffleid.AppTaskAttemptId) error {
	id := attempt.AppShuffleId()
	app := e.touchApp(id.AppId)

	st, ok := e.getStage(id)
	if !ok {
		return ErrStageNotStarted
	}

	if app.NumWriteBytes() > e.cfg.AppMaxWriteBytes {
		st.SetFileCorrupted()
		e.persistCorruption(id)
		e.metrics.IncTruncatedApplications()
		return ErrQuotaExceeded
	}

	st.MarkStartUpload(attempt)
	return nil
}

// WriteData appends bytes to a partition's writer, refreshing liveness
// and the application's cumulative byte counter first. Ownership of
// op.Buf transfers in: exactly one Release happens regardless of
// outcome.
func (e *Executor) WriteData(op WriteOp) error {
	appID := op.AppShuffleID.AppId
	app := e.touchApp(appID)
	app.AddWriteBytes(int64(len(op.Buf.Bytes())))

	st, ok := e.getStage(op.AppShuffleID)
	if !ok {
		op.Buf.Release()
		return ErrStageNotStarted
	}

	if app.NumWriteBytes() > e.cfg.AppMaxWriteBytes {
		op.Buf.Release()
		st.SetFileCorrupted()
		e.persistCorruption(op.AppShuffleID)
		e.metrics.IncTruncatedApplications()
		return ErrQuotaExceeded
	}

	attempt := shuffleid.MapTaskAttemptId{MapId: op.MapID, TaskAttemptId: op.TaskAttemptID}
	if err := st.WriteData(attempt, op.Partition, op.Buf); err != nil {
		st.SetFileCorrupted()
		e.persistCorruption(op.AppShuffleID)
		return fmt.Errorf("%w: %v", ErrStageCorrupted, err)
	}
	return nil
}

// FinishUpload records attempt as finished and, if this drains at
// least one pending attempt, schedules an async flush. Never blocks on
// the flush itself — it runs on the background scheduler.
func (e *Executor) FinishUpload(attempt shuffleid.AppTaskAttemptId) error {
	id := attempt.AppShuffleId()
	st, ok := e.getStage(id)
	if !ok {
		return ErrStageNotStarted
	}

	// markFinishUpload, addPendingFlush, and fetchFlushMapAttempts run as
	// one critical section under the stage's protocol lock, so a second
	// FinishUpload racing on the same stage can't fetch a partial drain.
	st.Lock()
	st.MarkFinishUpload(attempt)
	st.AddPendingFlush(attempt)
	drained := st.FetchFlushMapAttempts()
	st.Unlock()

	if len(drained) == 0 {
		return nil
	}

	enqueuedAt := time.Now()
	correlationID := uuid.New().String()
	if err := e.sched.Submit(func() {
		e.runFlushTask(id, st, drained, enqueuedAt, correlationID)
	}); err != nil {
		log.Warn("flush not scheduled, scheduler is stopped", "stage", id.String(), "correlationId", correlationID, "error", err)
	}
	return nil
}

func (e *Executor) runFlushTask(id shuffleid.AppShuffleId, st *stage.State, attempts []shuffleid.AppTaskAttemptId, enqueuedAt time.Time, correlationID string) {
	startedAt := time.Now()
	e.metrics.ObserveMapAttemptFlushDelay(startedAt.Sub(enqueuedAt))
	defer func() {
		e.metrics.ObserveMapAttemptFlushTime(time.Since(startedAt))
	}()

	if err := e.flushPartitions(id, st, attempts); err != nil {
		log.Error("flush failed, stage marked corrupted", "stage", id.String(), "correlationId", correlationID, "error", err)
	}
}

// flushPartitions is the core commit protocol (spec.md §4.3), held
// under the stage's protocol lock for its entire duration so two flush
// tasks for the same stage — schedulable whenever two FinishUpload
// calls each drain a non-empty set — never interleave their
// flush/commit/append/close steps. All attempts must share id; callers
// guarantee this (FetchFlushMapAttempts only ever drains attempts added
// for the same stage), so a mismatch here is an invariant violation,
// not a caller error.
func (e *Executor) flushPartitions(id shuffleid.AppShuffleId, st *stage.State, attempts []shuffleid.AppTaskAttemptId) error {
	for _, a := range attempts {
		if a.AppShuffleId() != id {
			return fmt.Errorf("%w: flushPartitions called with attempts from multiple stages", ErrInvalidState)
		}
	}

	st.Lock()
	err := e.commitAttempts(id, st, attempts)
	st.Unlock()

	if err != nil {
		st.SetFileCorrupted()
		e.persistCorruption(id)
		return err
	}

	e.maybeCommit()
	return nil
}

// commitAttempts runs flush, per-map commit, TaskAttemptCommit
// persistence, and the conditional CloseWriters as a sequence of
// StageState's own self-locking calls. Callers must hold st's protocol
// lock (st.Lock/Unlock) across this call so the whole sequence is
// serialized against any other commit protocol on the same stage —
// StageState's field mutex is not reentrant, so this composes a
// multi-step protocol out of several self-locking calls rather than one
// enclosing critical section over that same mutex, but the protocol
// lock held by the caller still gives the sequence as a whole the
// exclusivity the field mutex alone could not.
func (e *Executor) commitAttempts(id shuffleid.AppShuffleId, st *stage.State, attempts []shuffleid.AppTaskAttemptId) error {
	if err := st.FlushAllPartitions(); err != nil {
		return err
	}
	for _, a := range attempts {
		st.CommitMapTask(a.AppMapId.MapId, a.TaskAttemptId)
	}

	commitRecord := buildCommitRecord(id, attempts, st.AllPartitionSnapshots())
	if err := e.store.Append(statestore.NewTaskAttemptCommit(commitRecord)); err != nil {
		return err
	}

	if st.AllLatestTaskAttemptsCommitted() {
		if err := st.CloseWriters(); err != nil {
			return err
		}
	}
	return nil
}

func buildCommitRecord(id shuffleid.AppShuffleId, attempts []shuffleid.AppTaskAttemptId, snapshots map[int32][]shuffletypes.FilePathAndLength) statestore.TaskAttemptCommit {
	mapAttempts := make([]shuffleid.MapTaskAttemptId, 0, len(attempts))
	for _, a := range attempts {
		mapAttempts = append(mapAttempts, shuffleid.MapTaskAttemptId{MapId: a.AppMapId.MapId, TaskAttemptId: a.TaskAttemptId})
	}
	var files []statestore.PartitionFile
	for partitionID, fs := range snapshots {
		for _, f := range fs {
			files = append(files, statestore.PartitionFile{Partition: partitionID, Path: f.Path, Length: f.Length})
		}
	}
	return statestore.TaskAttemptCommit{AppShuffleID: id, Attempts: mapAttempts, Files: files}
}

func (e *Executor) maybeCommit() {
	e.commitMu.Lock()
	now := time.Now()
	due := now.Sub(e.lastCommit) >= e.cfg.StateCommitInterval
	if due {
		e.lastCommit = now
	}
	e.commitMu.Unlock()

	if !due {
		return
	}
	if err := e.store.Commit(); err != nil {
		log.Error("state store commit failed", "error", err)
	}
}

func (e *Executor) persistCorruption(id shuffleid.AppShuffleId) {
	if err := e.store.Append(statestore.NewStageCorruption(id)); err != nil {
		log.Error("persist StageCorruption", "stage", id.String(), "error", err)
	}
}

// GetPersistedBytes returns the current (path, length) snapshot for one
// partition of one stage, refreshing the application's liveness first.
func (e *Executor) GetPersistedBytes(partitionID shuffleid.AppShufflePartitionId) ([]shuffletypes.FilePathAndLength, error) {
	e.touchApp(partitionID.AppShuffleId.AppId)
	st, ok := e.getStage(partitionID.AppShuffleId)
	if !ok {
		return nil, ErrStageNotStarted
	}
	return st.SnapshotFinalizedFiles(partitionID.PartitionId), nil
}

// ClosePartitionFiles closes one partition's writer for a stage.
func (e *Executor) ClosePartitionFiles(id shuffleid.AppShufflePartitionId) error {
	st, ok := e.getStage(id.AppShuffleId)
	if !ok {
		return ErrStageNotStarted
	}
	return st.CloseWriter(id.PartitionId)
}

// GetShuffleStageStatus returns the stage's corruption state and
// committed-attempt map. An unknown stage is not an error: it returns
// the STAGE_NOT_STARTED sentinel status.
func (e *Executor) GetShuffleStageStatus(id shuffleid.AppShuffleId) shuffletypes.StageStatus {
	st, ok := e.getStage(id)
	if !ok {
		return shuffletypes.StageStatus{FileStatus: shuffletypes.StageNotStartedStatus}
	}
	return st.GetShuffleStageStatus()
}

// GetShuffleWriteConfig returns the registered write configuration for
// a stage, or ErrStageNotStarted if it was never registered.
func (e *Executor) GetShuffleWriteConfig(id shuffleid.AppShuffleId) (shuffletypes.WriteConfig, error) {
	st, ok := e.getStage(id)
	if !ok {
		return shuffletypes.WriteConfig{}, ErrStageNotStarted
	}
	return st.WriteConfig(), nil
}

// GetRootDir returns the configured storage root.
func (e *Executor) GetRootDir() string { return e.cfg.RootDir }

// GetFileCompressionCodec returns the configured opaque codec tag.
func (e *Executor) GetFileCompressionCodec() string { return e.cfg.FileCompressionCodec }

// removeExpiredApplications runs every ExpirySweepInterval: it removes
// every AppState idle longer than AppRetention, along with that app's
// stages and on-disk directory.
func (e *Executor) removeExpiredApplications() {
	now := time.Now()
	var expired []shuffleid.AppId
	liveCount := 0

	e.appStates.Range(func(k, v any) bool {
		app := v.(*appstate.State)
		if app.Expired(now, e.cfg.AppRetention) {
			expired = append(expired, k.(shuffleid.AppId))
		} else {
			liveCount++
		}
		return true
	})
	e.metrics.SetLiveApplications(liveCount)

	if len(expired) == 0 {
		return
	}

	for _, appID := range expired {
		e.appStates.Delete(appID)

		var stageIDs []shuffleid.AppShuffleId
		e.stageStates.Range(func(k, v any) bool {
			id := k.(shuffleid.AppShuffleId)
			if id.AppId == appID {
				stageIDs = append(stageIDs, id)
			}
			return true
		})
		for _, id := range stageIDs {
			if v, ok := e.stageStates.LoadAndDelete(id); ok {
				if err := v.(*stage.State).CloseWriters(); err != nil {
					log.Warn("close writers during expiry", "stage", id.String(), "error", err)
				}
			}
		}

		if err := e.store.Append(statestore.NewAppDeletion(appID)); err != nil {
			log.Error("persist AppDeletion", "app", appID, "error", err)
		}

		dir := storagefacade.AppShuffleDir(e.cfg.RootDir, string(appID))
		if err := e.storage.DeleteDirectory(dir); err != nil {
			log.Warn("delete application directory", "app", appID, "dir", dir, "error", err)
		}

		e.metrics.IncExpiredApplications()
	}

	if err := e.store.Commit(); err != nil {
		log.Error("state store commit after expiry sweep failed", "error", err)
	}
}

// compactStateStore rewrites the state store down to one StageInfo and
// one aggregate TaskAttemptCommit per live stage, dropping every
// superseded record a long-running process has accumulated. Stages seen
// here reflect the in-memory state at the instant each one is snapshot;
// a stage that changes between its snapshot and the rename is caught by
// whatever it appends next, since Compact only replaces history, not
// the live Store handle later Appends target.
func (e *Executor) compactStateStore() {
	var records []statestore.Record

	e.stageStates.Range(func(k, v any) bool {
		id := k.(shuffleid.AppShuffleId)
		st := v.(*stage.State)

		status := shuffletypes.FileStatusOK
		if st.IsCorrupted() {
			status = shuffletypes.FileStatusCorrupted
		}
		records = append(records, statestore.NewStageInfo(statestore.StageInfo{
			AppShuffleID:   id,
			NumMaps:        st.NumMaps(),
			NumPartitions:  st.NumPartitions(),
			FileStartIndex: st.FileStartIndex(),
			WriteConfig:    st.WriteConfig(),
			FileStatus:     status,
		}))

		committed := st.GetShuffleStageStatus().CommittedByMap
		if len(committed) > 0 {
			attempts := make([]shuffleid.MapTaskAttemptId, 0, len(committed))
			for mapID, taskAttemptID := range committed {
				attempts = append(attempts, shuffleid.MapTaskAttemptId{MapId: mapID, TaskAttemptId: taskAttemptID})
			}
			var files []statestore.PartitionFile
			for partitionID, fs := range st.AllPartitionSnapshots() {
				for _, f := range fs {
					files = append(files, statestore.PartitionFile{Partition: partitionID, Path: f.Path, Length: f.Length})
				}
			}
			records = append(records, statestore.NewTaskAttemptCommit(statestore.TaskAttemptCommit{
				AppShuffleID: id,
				Attempts:     attempts,
				Files:        files,
			}))
		}
		return true
	})

	if err := e.store.Compact(records); err != nil {
		log.Error("state store compaction failed", "error", err)
	}
}

// Stop shuts the background scheduler down, with or without
// ShutdownGrace, then drains every stage's pending flush under its
// mutex, and finally closes the state store.
func (e *Executor) Stop(wait bool) error {
	e.sched.Stop(wait, e.cfg.ShutdownGrace)

	e.stageStates.Range(func(k, v any) bool {
		id := k.(shuffleid.AppShuffleId)
		st := v.(*stage.State)
		e.drainStageOnShutdown(id, st)
		return true
	})

	return e.store.Close()
}

func (e *Executor) drainStageOnShutdown(id shuffleid.AppShuffleId, st *stage.State) {
	st.Lock()
	attempts := st.FetchFlushMapAttempts()
	err := e.flushAndCloseOnShutdown(id, st, attempts)
	st.Unlock()

	if err != nil {
		st.SetFileCorrupted()
		e.persistCorruption(id)
	}
}

// flushAndCloseOnShutdown runs under the caller's hold of st's protocol
// lock, same as commitAttempts.
func (e *Executor) flushAndCloseOnShutdown(id shuffleid.AppShuffleId, st *stage.State, attempts []shuffleid.AppTaskAttemptId) error {
	if err := st.FlushAllPartitions(); err != nil {
		return err
	}
	for _, a := range attempts {
		st.CommitMapTask(a.AppMapId.MapId, a.TaskAttemptId)
	}
	if len(attempts) > 0 {
		commitRecord := buildCommitRecord(id, attempts, st.AllPartitionSnapshots())
		if err := e.store.Append(statestore.NewTaskAttemptCommit(commitRecord)); err != nil {
			return err
		}
	}
	return st.CloseWriters()
}

// LoadStateStore performs bounded startup recovery (spec.md §4.3):
// replays the log in order, repairing or corrupting in-memory stages,
// then creates an AppState for every application that appeared but was
// not deleted. Exceeding StartupLoadBudget stops the replay early and
// marks the load partial rather than failing it.
func (e *Executor) LoadStateStore() error {
	startedAt := time.Now()

	it, err := e.store.LoadData()
	if err != nil {
		return fmt.Errorf("executor: open state store for recovery: %w", err)
	}
	defer it.Close()

	corrupted := make(map[shuffleid.AppShuffleId]struct{})
	deletedApps := make(map[shuffleid.AppId]struct{})
	seenApps := make(map[shuffleid.AppId]struct{})
	partial := false

replay:
	for {
		if time.Since(startedAt) > e.cfg.StartupLoadBudget {
			partial = true
			break replay
		}

		rec, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break replay
			}
			if errors.Is(err, statestore.ErrTornRecord) {
				partial = true
				break replay
			}
			e.metrics.IncStateLoadErrors()
			log.Error("state store replay stopped on error", "error", err)
			break replay
		}

		switch rec.Kind {
		case statestore.KindStageInfo:
			e.applyStageInfo(rec.StageInfo, corrupted, seenApps)
		case statestore.KindTaskAttemptCommit:
			e.applyTaskAttemptCommit(rec.TaskAttemptCommit, corrupted, seenApps)
		case statestore.KindStageCorruption:
			corrupted[rec.StageCorruption.AppShuffleID] = struct{}{}
		case statestore.KindAppDeletion:
			deletedApps[rec.AppDeletion.AppID] = struct{}{}
		default:
			e.metrics.IncStateLoadWarnings()
			log.Warn("unrecognized state store record kind", "kind", rec.Kind)
		}
	}

	for id := range corrupted {
		if st, ok := e.getStage(id); ok {
			st.SetFileCorrupted()
			e.persistCorruption(id)
		}
	}
	for appID := range deletedApps {
		e.removeStagesOf(appID)
		if err := e.store.Append(statestore.NewAppDeletion(appID)); err != nil {
			log.Error("re-persist AppDeletion", "app", appID, "error", err)
		}
	}
	if err := e.store.Commit(); err != nil {
		log.Error("state store commit after recovery failed", "error", err)
	}

	now := time.Now()
	for appID := range seenApps {
		if _, deleted := deletedApps[appID]; deleted {
			continue
		}
		e.appStates.LoadOrStore(appID, appstate.New(string(appID), now))
	}

	e.metrics.ObserveStateLoadTime(time.Since(startedAt))
	if partial {
		e.metrics.IncStatePartialLoads()
		log.Warn("state store recovery hit its time budget, continuing with a partial load", "budget", e.cfg.StartupLoadBudget)
	}
	return nil
}

func (e *Executor) applyStageInfo(info *statestore.StageInfo, corrupted map[shuffleid.AppShuffleId]struct{}, seenApps map[shuffleid.AppId]struct{}) {
	seenApps[info.AppShuffleID.AppId] = struct{}{}

	if st, ok := e.getStage(info.AppShuffleID); ok {
		if st.NumMaps() != info.NumMaps || st.NumPartitions() != info.NumPartitions || !st.WriteConfig().Equal(info.WriteConfig) {
			corrupted[info.AppShuffleID] = struct{}{}
		}
		// Bumps to the stored index itself, not stored+numSplits as the
		// new-stage branch below does — harmless here since a stage
		// already tracked in e.stageStates has never had fileStartIndex
		// advance past what its own writers produced.
		st.BumpFileStartIndex(info.FileStartIndex)
		e.rePersistStageInfo(st, info.AppShuffleID, info.NumMaps, info.NumPartitions, info.WriteConfig)
		return
	}

	effectiveIndex := info.FileStartIndex + info.WriteConfig.NumSplits
	st := stage.New(info.AppShuffleID, effectiveIndex, e.makeWriterFactory(info.AppShuffleID))
	st.SetFsyncEnabled(e.cfg.FsyncEnabled)
	if _, err := st.Register(info.NumMaps, info.NumPartitions, info.WriteConfig); err != nil {
		corrupted[info.AppShuffleID] = struct{}{}
	}
	if info.FileStatus == shuffletypes.FileStatusCorrupted {
		corrupted[info.AppShuffleID] = struct{}{}
	}
	e.stageStates.Store(info.AppShuffleID, st)
	e.rePersistStageInfo(st, info.AppShuffleID, info.NumMaps, info.NumPartitions, info.WriteConfig)
}

func (e *Executor) rePersistStageInfo(st *stage.State, id shuffleid.AppShuffleId, numMaps, numPartitions int32, cfg shuffletypes.WriteConfig) {
	if err := e.store.Append(statestore.NewStageInfo(statestore.StageInfo{
		AppShuffleID:   id,
		NumMaps:        numMaps,
		NumPartitions:  numPartitions,
		FileStartIndex: st.FileStartIndex(),
		WriteConfig:    cfg,
		FileStatus:     shuffletypes.FileStatusOK,
	})); err != nil {
		log.Error("re-persist StageInfo during recovery", "stage", id.String(), "error", err)
	}
}

func (e *Executor) applyTaskAttemptCommit(commit *statestore.TaskAttemptCommit, corrupted map[shuffleid.AppShuffleId]struct{}, seenApps map[shuffleid.AppId]struct{}) {
	seenApps[commit.AppShuffleID.AppId] = struct{}{}

	st, ok := e.getStage(commit.AppShuffleID)
	if !ok {
		corrupted[commit.AppShuffleID] = struct{}{}
		return
	}
	for _, a := range commit.Attempts {
		st.CommitMapTask(a.MapId, a.TaskAttemptId)
	}
	byPartition := make(map[int32][]shuffletypes.FilePathAndLength)
	for _, f := range commit.Files {
		byPartition[f.Partition] = append(byPartition[f.Partition], shuffletypes.FilePathAndLength{Path: f.Path, Length: f.Length})
	}
	for partitionID, files := range byPartition {
		st.MergeFinalizedFiles(partitionID, files)
	}
}

func (e *Executor) removeStagesOf(appID shuffleid.AppId) {
	var ids []shuffleid.AppShuffleId
	e.stageStates.Range(func(k, v any) bool {
		id := k.(shuffleid.AppShuffleId)
		if id.AppId == appID {
			ids = append(ids, id)
		}
		return true
	})
	for _, id := range ids {
		if v, ok := e.stageStates.LoadAndDelete(id); ok {
			if err := v.(*stage.State).CloseWriters(); err != nil {
				log.Warn("close writers while removing deleted app's stage", "stage", id.String(), "error", err)
			}
		}
	}
}

// DebugString renders a human-readable dump of every tracked
// application and stage, for the status CLI command and manual
// debugging — never parsed by this codebase itself.
func (e *Executor) DebugString() string {
	var b []byte
	appendf := func(format string, args ...any) {
		b = append(b, []byte(fmt.Sprintf(format, args...))...)
	}

	appendf("applications:\n")
	e.appStates.Range(func(k, v any) bool {
		app := v.(*appstate.State)
		appendf("  %s liveness=%d numWriteBytes=%d\n", k, app.LivenessMillis(), app.NumWriteBytes())
		return true
	})

	appendf("stages:\n")
	e.stageStates.Range(func(k, v any) bool {
		id := k.(shuffleid.AppShuffleId)
		st := v.(*stage.State)
		status := st.GetShuffleStageStatus()
		appendf("  %s status=%s committed=%v\n", id.String(), status.FileStatus, status.CommittedByMap)
		return true
	})

	return string(b)
}
