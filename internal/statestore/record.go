package statestore

import (
	"github.com/shuffle-svc/executor/pkg/shuffleid"
	"github.com/shuffle-svc/executor/pkg/shuffletypes"
)

// Kind discriminates the tagged log items described in spec.md §3. A
// Record always has exactly one non-nil payload matching its Kind; the
// rest stay nil. JSON has no native sum type, so this is the idiomatic
// encoding of one: pattern-match on Kind in the loader, never on which
// field happens to be non-nil.
type Kind string

const (
	KindStageInfo         Kind = "StageInfo"
	KindTaskAttemptCommit Kind = "TaskAttemptCommit"
	KindStageCorruption   Kind = "StageCorruption"
	KindAppDeletion       Kind = "AppDeletion"
)

// Record is one line of the append-only log.
type Record struct {
	Kind Kind `json:"kind"`

	StageInfo         *StageInfo         `json:"stageInfo,omitempty"`
	TaskAttemptCommit *TaskAttemptCommit `json:"taskAttemptCommit,omitempty"`
	StageCorruption   *StageCorruption   `json:"stageCorruption,omitempty"`
	AppDeletion       *AppDeletion       `json:"appDeletion,omitempty"`
}

// StageInfo records a shuffle stage's immutable registration values, as
// they stood at the moment of persistence. Re-persisted after load-time
// repair so the next restart sees the effective fileStartIndex.
type StageInfo struct {
	AppShuffleID   shuffleid.AppShuffleId   `json:"appShuffleId"`
	NumMaps        int32                    `json:"numMaps"`
	NumPartitions  int32                    `json:"numPartitions"`
	FileStartIndex int32                    `json:"fileStartIndex"`
	WriteConfig    shuffletypes.WriteConfig `json:"writeConfig"`
	FileStatus     shuffletypes.FileStatus  `json:"fileStatus"`
}

// PartitionFile is one finalized partition's path and persisted length
// as of the commit that produced this record.
type PartitionFile struct {
	Partition int32  `json:"partition"`
	Path      string `json:"path"`
	Length    int64  `json:"length"`
}

// TaskAttemptCommit records that a batch of map attempts flushed
// together: every attempt committed in the same flushPartitions call,
// plus the post-flush snapshot of every partition's file.
type TaskAttemptCommit struct {
	AppShuffleID shuffleid.AppShuffleId        `json:"appShuffleId"`
	Attempts     []shuffleid.MapTaskAttemptId  `json:"attempts"`
	Files        []PartitionFile               `json:"files"`
}

// StageCorruption marks a shuffle stage as permanently unreadable.
type StageCorruption struct {
	AppShuffleID shuffleid.AppShuffleId `json:"appShuffleId"`
}

// AppDeletion marks an application as expired and removed.
type AppDeletion struct {
	AppID shuffleid.AppId `json:"appId"`
}

// NewStageInfo builds a StageInfo Record.
func NewStageInfo(v StageInfo) Record { return Record{Kind: KindStageInfo, StageInfo: &v} }

// NewTaskAttemptCommit builds a TaskAttemptCommit Record.
func NewTaskAttemptCommit(v TaskAttemptCommit) Record {
	return Record{Kind: KindTaskAttemptCommit, TaskAttemptCommit: &v}
}

// NewStageCorruption builds a StageCorruption Record.
func NewStageCorruption(id shuffleid.AppShuffleId) Record {
	return Record{Kind: KindStageCorruption, StageCorruption: &StageCorruption{AppShuffleID: id}}
}

// NewAppDeletion builds an AppDeletion Record.
func NewAppDeletion(id shuffleid.AppId) Record {
	return Record{Kind: KindAppDeletion, AppDeletion: &AppDeletion{AppID: id}}
}
