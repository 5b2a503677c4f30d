// Package shuffleid defines the value-typed, comparable identifiers
// (usable as map keys) shared by every layer of the shuffle executor:
// applications, shuffle stages, map attempts, and partitions. No
// ordering between identifiers is defined here.
package shuffleid

import "fmt"

// AppId identifies a single Spark (or other compute engine) application.
type AppId string

// AppShuffleId identifies one shuffle stage within an application.
type AppShuffleId struct {
	AppId     AppId
	ShuffleId int32
}

func (id AppShuffleId) String() string {
	return fmt.Sprintf("%s/shuffle-%d", id.AppId, id.ShuffleId)
}

// AppMapId identifies one map task within a shuffle stage.
type AppMapId struct {
	AppShuffleId AppShuffleId
	MapId        int32
}

func (id AppMapId) String() string {
	return fmt.Sprintf("%s/map-%d", id.AppShuffleId, id.MapId)
}

// AppTaskAttemptId identifies one attempt of a map task. Retries bump
// TaskAttemptId; only the latest attempt per MapId is "effective".
type AppTaskAttemptId struct {
	AppMapId      AppMapId
	TaskAttemptId int64
}

func (id AppTaskAttemptId) String() string {
	return fmt.Sprintf("%s/attempt-%d", id.AppMapId, id.TaskAttemptId)
}

func (id AppTaskAttemptId) AppShuffleId() AppShuffleId {
	return id.AppMapId.AppShuffleId
}

func (id AppTaskAttemptId) MapId() int32 {
	return id.AppMapId.MapId
}

// AppShufflePartitionId identifies one partition of one shuffle stage.
type AppShufflePartitionId struct {
	AppShuffleId AppShuffleId
	PartitionId  int32
}

func (id AppShufflePartitionId) String() string {
	return fmt.Sprintf("%s/partition-%d", id.AppShuffleId, id.PartitionId)
}

// MapTaskAttemptId is an AppTaskAttemptId stripped of its AppShuffleId —
// used inside a StageState/state-store record where the shuffle is
// already implied by context.
type MapTaskAttemptId struct {
	MapId         int32
	TaskAttemptId int64
}

func (id MapTaskAttemptId) String() string {
	return fmt.Sprintf("map-%d/attempt-%d", id.MapId, id.TaskAttemptId)
}
