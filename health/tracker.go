// Package health publishes the syncer's periodic health snapshot and runs
// the housekeeping sweep: log trims, stale-mapping audits, metadata TTL
// reassertion and mapping-table repair.
package health

import (
	"sync/atomic"
	"time"
)

// Tracker accumulates pipeline health signals. The upload and download
// pipelines report into it; the publisher reads it.
type Tracker struct {
	lastSuccess atomic.Value // time.Time
	degraded    atomic.Bool
}

// NewTracker creates a tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.lastSuccess.Store(time.Time{})
	return t
}

// RecordSyncSuccess notes a completed sync operation.
func (t *Tracker) RecordSyncSuccess(at time.Time) {
	if prev, _ := t.lastSuccess.Load().(time.Time); at.After(prev) {
		t.lastSuccess.Store(at)
	}
}

// SetDegraded flips the back-pressure flag.
func (t *Tracker) SetDegraded(degraded bool) {
	t.degraded.Store(degraded)
}

// LastSuccess returns the most recent successful sync time; zero when none.
func (t *Tracker) LastSuccess() time.Time {
	ts, _ := t.lastSuccess.Load().(time.Time)
	return ts
}

// Degraded reports whether the pipelines are under back-pressure.
func (t *Tracker) Degraded() bool {
	return t.degraded.Load()
}
