// Package integration exercises the executor, statestore, and
// storagefacade packages wired together the way shuffled's serve
// command wires them, against a real temp directory and a real state
// log — no storage or state-store fakes (only a recording metrics sink).
// Each test below follows one end-to-end scenario.
package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuffle-svc/executor/internal/buffer"
	"github.com/shuffle-svc/executor/internal/executor"
	"github.com/shuffle-svc/executor/internal/metrics"
	"github.com/shuffle-svc/executor/internal/statestore"
	"github.com/shuffle-svc/executor/internal/storagefacade"
	"github.com/shuffle-svc/executor/pkg/shuffleid"
	"github.com/shuffle-svc/executor/pkg/shuffletypes"
)

func newExecutor(t *testing.T, cfg executor.Config) (*executor.Executor, *statestore.Store, string) {
	t.Helper()
	dir := t.TempDir()
	cfg.RootDir = dir
	store, err := statestore.Open(filepath.Join(dir, "state.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := executor.New(cfg, storagefacade.NewLocal(), store, metrics.NoopSink{})
	require.NoError(t, e.LoadStateStore())
	return e, store, dir
}

func attemptID(appID string, shuffleID, mapID int32, taskAttemptID int64) shuffleid.AppTaskAttemptId {
	return shuffleid.AppTaskAttemptId{
		AppMapId: shuffleid.AppMapId{
			AppShuffleId: shuffleid.AppShuffleId{AppId: shuffleid.AppId(appID), ShuffleId: shuffleID},
			MapId:        mapID,
		},
		TaskAttemptId: taskAttemptID,
	}
}

// S1: two maps each writing two partitions, both finish, both flush.
func TestS1_HappyPath(t *testing.T) {
	cfg := executor.DefaultConfig()
	e, store, _ := newExecutor(t, cfg)
	e.Start()
	defer e.Stop(true)

	pool := buffer.NewPool()
	id := shuffleid.AppShuffleId{AppId: "app-A", ShuffleId: 1}
	require.NoError(t, e.RegisterShuffle(id, 2, 3, shuffletypes.WriteConfig{NumSplits: 3}))

	writeAndFinish := func(mapID int32, taskAttemptID int64) {
		a := attemptID("app-A", 1, mapID, taskAttemptID)
		require.NoError(t, e.StartUpload(a))
		require.NoError(t, e.WriteData(executor.WriteOp{AppShuffleID: id, MapID: mapID, TaskAttemptID: taskAttemptID, Partition: 0, Buf: pool.Get([]byte("abc"))}))
		require.NoError(t, e.WriteData(executor.WriteOp{AppShuffleID: id, MapID: mapID, TaskAttemptID: taskAttemptID, Partition: 1, Buf: pool.Get([]byte("de"))}))
		require.NoError(t, e.FinishUpload(a))
	}

	writeAndFinish(0, 1)
	writeAndFinish(1, 7)

	require.Eventually(t, func() bool {
		status := e.GetShuffleStageStatus(id)
		return status.CommittedByMap[0] == 1 && status.CommittedByMap[1] == 7
	}, 2*time.Second, 10*time.Millisecond)

	status := e.GetShuffleStageStatus(id)
	assert.Equal(t, shuffletypes.FileStatusOK, status.FileStatus)
	assert.Zero(t, pool.Outstanding(), "every writeData buffer must be released exactly once")

	it, err := store.LoadData()
	require.NoError(t, err)
	defer it.Close()
	var stageInfos, commits int
	for {
		rec, err := it.Next()
		if err != nil {
			break
		}
		switch rec.Kind {
		case statestore.KindStageInfo:
			stageInfos++
		case statestore.KindTaskAttemptCommit:
			commits++
		}
	}
	assert.Equal(t, 1, stageInfos)
	assert.Equal(t, 2, commits)
}

// S2: a second attempt for the same map supersedes the first.
func TestS2_AttemptRetry_OnlyLatestAttemptCounts(t *testing.T) {
	cfg := executor.DefaultConfig()
	e, _, _ := newExecutor(t, cfg)
	e.Start()
	defer e.Stop(true)

	pool := buffer.NewPool()
	id := shuffleid.AppShuffleId{AppId: "app-B", ShuffleId: 1}
	require.NoError(t, e.RegisterShuffle(id, 1, 1, shuffletypes.WriteConfig{NumSplits: 1}))

	a1 := attemptID("app-B", 1, 0, 1)
	require.NoError(t, e.StartUpload(a1))
	require.NoError(t, e.WriteData(executor.WriteOp{AppShuffleID: id, MapID: 0, TaskAttemptID: 1, Partition: 0, Buf: pool.Get([]byte("x"))}))

	a2 := attemptID("app-B", 1, 0, 2)
	require.NoError(t, e.StartUpload(a2))

	require.NoError(t, e.FinishUpload(a1))
	require.NoError(t, e.FinishUpload(a2))

	require.Eventually(t, func() bool {
		return e.GetShuffleStageStatus(id).CommittedByMap[0] == 2
	}, 2*time.Second, 10*time.Millisecond)

	status := e.GetShuffleStageStatus(id)
	assert.EqualValues(t, 2, status.CommittedByMap[0])
}

// S3: cumulative writes past the app's quota reject the next write and
// corrupt the stage, incrementing the truncated-application counter.
func TestS3_Quota_RejectsAndCorrupts(t *testing.T) {
	recording := &recordingSink{}
	cfg := executor.DefaultConfig()
	cfg.AppMaxWriteBytes = 100

	dir := t.TempDir()
	cfg.RootDir = dir
	store, err := statestore.Open(filepath.Join(dir, "state.log"))
	require.NoError(t, err)
	defer store.Close()
	e := executor.New(cfg, storagefacade.NewLocal(), store, recording)
	require.NoError(t, e.LoadStateStore())
	e.Start()
	defer e.Stop(true)

	pool := buffer.NewPool()
	id := shuffleid.AppShuffleId{AppId: "app-C", ShuffleId: 1}
	require.NoError(t, e.RegisterShuffle(id, 1, 1, shuffletypes.WriteConfig{NumSplits: 1}))

	a := attemptID("app-C", 1, 0, 1)
	require.NoError(t, e.StartUpload(a))

	payload := make([]byte, 101)
	err = e.WriteData(executor.WriteOp{AppShuffleID: id, MapID: 0, TaskAttemptID: 1, Partition: 0, Buf: pool.Get(payload)})
	require.ErrorIs(t, err, executor.ErrQuotaExceeded)

	status := e.GetShuffleStageStatus(id)
	assert.Equal(t, shuffletypes.FileStatusCorrupted, status.FileStatus)
	assert.Equal(t, 1, recording.truncated)
	assert.Zero(t, pool.Outstanding())
}

// S4: a second registerShuffle with mismatched shape corrupts the stage
// and persists a StageCorruption item.
func TestS4_RegisterMismatch_Corrupts(t *testing.T) {
	cfg := executor.DefaultConfig()
	e, store, _ := newExecutor(t, cfg)

	id := shuffleid.AppShuffleId{AppId: "app-D", ShuffleId: 1}
	require.NoError(t, e.RegisterShuffle(id, 4, 10, shuffletypes.WriteConfig{NumSplits: 10}))

	err := e.RegisterShuffle(id, 5, 10, shuffletypes.WriteConfig{NumSplits: 10})
	require.Error(t, err)

	status := e.GetShuffleStageStatus(id)
	assert.Equal(t, shuffletypes.FileStatusCorrupted, status.FileStatus)

	it, err := store.LoadData()
	require.NoError(t, err)
	defer it.Close()
	var sawCorruption bool
	for {
		rec, err := it.Next()
		if err != nil {
			break
		}
		if rec.Kind == statestore.KindStageCorruption {
			sawCorruption = true
		}
	}
	assert.True(t, sawCorruption)
}

// S5: a fresh executor over a state store from a prior run recovers
// the stage's write config, committed attempts, and finalized files.
func TestS5_Recovery_RestoresPriorRunState(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "state.log")

	id := shuffleid.AppShuffleId{AppId: "app-E", ShuffleId: 1}
	seed, err := statestore.Open(logPath)
	require.NoError(t, err)
	require.NoError(t, seed.Append(statestore.NewStageInfo(statestore.StageInfo{
		AppShuffleID:   id,
		NumMaps:        2,
		NumPartitions:  3,
		FileStartIndex: 0,
		WriteConfig:    shuffletypes.WriteConfig{NumSplits: 2},
		FileStatus:     shuffletypes.FileStatusOK,
	})))
	require.NoError(t, seed.Append(statestore.NewTaskAttemptCommit(statestore.TaskAttemptCommit{
		AppShuffleID: id,
		Attempts:     []shuffleid.MapTaskAttemptId{{MapId: 0, TaskAttemptId: 1}},
		Files:        []statestore.PartitionFile{{Partition: 0, Path: "p0", Length: 10}},
	})))
	require.NoError(t, seed.Commit())
	require.NoError(t, seed.Close())

	cfg := executor.DefaultConfig()
	cfg.RootDir = dir
	store, err := statestore.Open(logPath)
	require.NoError(t, err)
	defer store.Close()
	e := executor.New(cfg, storagefacade.NewLocal(), store, metrics.NoopSink{})
	require.NoError(t, e.LoadStateStore())

	wc, err := e.GetShuffleWriteConfig(id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, wc.NumSplits)

	status := e.GetShuffleStageStatus(id)
	assert.EqualValues(t, 1, status.CommittedByMap[0])

	files, err := e.GetPersistedBytes(shuffleid.AppShufflePartitionId{AppShuffleId: id, PartitionId: 0})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "p0", files[0].Path)
	assert.EqualValues(t, 10, files[0].Length)
}

// S6: a log ending in a torn record stops loading at that record and
// marks the recovery partial, but the executor still starts and serves
// the portion it did load.
func TestS6_PartialLoad_StopsAtTornRecordAndStillServes(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "state.log")

	id := shuffleid.AppShuffleId{AppId: "app-F", ShuffleId: 1}
	seed, err := statestore.Open(logPath)
	require.NoError(t, err)
	require.NoError(t, seed.Append(statestore.NewStageInfo(statestore.StageInfo{
		AppShuffleID:  id,
		NumMaps:       1,
		NumPartitions: 1,
		WriteConfig:   shuffletypes.WriteConfig{NumSplits: 1},
		FileStatus:    shuffletypes.FileStatusOK,
	})))
	require.NoError(t, seed.Commit())
	require.NoError(t, seed.Close())

	// Simulate a crash mid-write of the next record: the loader must
	// treat this as a partial load rather than a hard failure.
	appendTornRecord(t, logPath)

	recording := &recordingSink{}
	cfg := executor.DefaultConfig()
	cfg.RootDir = dir
	cfg.StartupLoadBudget = 30 * time.Second
	store, err := statestore.Open(logPath)
	require.NoError(t, err)
	defer store.Close()
	e := executor.New(cfg, storagefacade.NewLocal(), store, recording)
	require.NoError(t, e.LoadStateStore())

	assert.Equal(t, 1, recording.partialLoads)

	wc, err := e.GetShuffleWriteConfig(id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, wc.NumSplits)
}

func appendTornRecord(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(`{"kind":"StageCorruption","stageCorruption":{"appShuffleId":{`)
	require.NoError(t, err)
}

type recordingSink struct {
	partialLoads int
	truncated    int
}

func (r *recordingSink) ObserveStateLoadTime(time.Duration)       {}
func (r *recordingSink) IncStateLoadWarnings()                    {}
func (r *recordingSink) IncStateLoadErrors()                      {}
func (r *recordingSink) IncStatePartialLoads()                    { r.partialLoads++ }
func (r *recordingSink) SetLiveApplications(int)                  {}
func (r *recordingSink) IncExpiredApplications()                  {}
func (r *recordingSink) IncTruncatedApplications()                { r.truncated++ }
func (r *recordingSink) ObserveMapAttemptFlushDelay(time.Duration) {}
func (r *recordingSink) ObserveMapAttemptFlushTime(time.Duration)  {}
