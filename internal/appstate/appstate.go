// Package appstate tracks per-application liveness and cumulative
// write-byte usage (spec.md §3 AppState).
package appstate

import (
	"sync/atomic"
	"time"
)

// State is one application's liveness timestamp and write-byte counter.
// Created lazily on first touch by the executor; destroyed by
// removeExpiredApplications once idle beyond appRetentionMillis.
type State struct {
	appID AppID

	livenessMillis atomic.Int64
	numWriteBytes  atomic.Int64
}

// AppID is a local alias kept distinct from shuffleid.AppId at this
// layer's boundary so appstate has no import-time dependency on the
// identifiers package; callers pass a string.
type AppID = string

// New creates a State with liveness set to now.
func New(appID AppID, now time.Time) *State {
	s := &State{appID: appID}
	s.livenessMillis.Store(now.UnixMilli())
	return s
}

// AppID returns the application this state belongs to.
func (s *State) AppID() AppID {
	return s.appID
}

// Touch refreshes liveness to now. Called on every operation that
// reaches this app: startUpload, writeData, getPersistedBytes.
func (s *State) Touch(now time.Time) {
	s.livenessMillis.Store(now.UnixMilli())
}

// LivenessMillis returns the last-touched wall-clock time in Unix
// milliseconds.
func (s *State) LivenessMillis() int64 {
	return s.livenessMillis.Load()
}

// Expired reports whether this app has been idle longer than
// retention, as of now.
func (s *State) Expired(now time.Time, retention time.Duration) bool {
	idleSince := now.UnixMilli() - s.livenessMillis.Load()
	return idleSince > retention.Milliseconds()
}

// AddWriteBytes atomically adds n to the cumulative byte counter and
// returns the new total. n must be non-negative; the counter itself is
// monotonic non-decreasing for the life of the State.
func (s *State) AddWriteBytes(n int64) int64 {
	return s.numWriteBytes.Add(n)
}

// NumWriteBytes returns the current cumulative write-byte count.
func (s *State) NumWriteBytes() int64 {
	return s.numWriteBytes.Load()
}
