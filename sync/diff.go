package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// Diff is the minimal edit set produced by comparing the conscious state
// against the mapped remote universe.
type Diff struct {
	Creates []adapter.AgentTask
	Updates []UpdateChange
	Deletes []DeleteChange
}

// UpdateChange is one mapped task whose agent copy drifted from the remote.
type UpdateChange struct {
	Task     adapter.AgentTask
	RemoteID string
	Patch    planner.TaskPatch
	Fields   []string
}

// DeleteChange is one mapped task that disappeared from the conscious state.
type DeleteChange struct {
	AgentID  string
	RemoteID string
}

// Empty reports whether the diff carries no work.
func (d Diff) Empty() bool {
	return len(d.Creates) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Differ computes edit sets. It keeps first-miss timestamps across runs: a
// mapped task must be missing from two snapshots at least one drift interval
// apart before a delete is emitted, so a partially written document observed
// mid-update never deletes a live remote task. The debounce path can run
// Compute back to back; the time gate keeps those passes from counting as
// independent observations.
type Differ struct {
	maps      *state.MappingStore
	planID    string
	bucketID  string
	userIDMap map[string]string
	drift     time.Duration
	clock     core.Clock
	logger    core.Logger

	mu      gosync.Mutex
	missing map[string]time.Time
}

// NewDiffer creates a differ. drift is the minimum separation between the
// two disappearance observations that confirm a delete.
func NewDiffer(maps *state.MappingStore, planID, bucketID string, userIDMap map[string]string, drift time.Duration, logger core.Logger) *Differ {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if drift <= 0 {
		drift = 30 * time.Second
	}
	return &Differ{
		maps:      maps,
		planID:    planID,
		bucketID:  bucketID,
		userIDMap: userIDMap,
		drift:     drift,
		clock:     core.SystemClock{},
		logger:    logger,
		missing:   make(map[string]time.Time),
	}
}

// Compute diffs a conscious-state snapshot against the mapping tables and
// cached remote copies.
func (d *Differ) Compute(ctx context.Context, snapshot map[string]state.TaskEntry) (Diff, error) {
	forward, err := d.maps.Forward(ctx)
	if err != nil {
		return Diff{}, err
	}

	var diff Diff
	for agentID, entry := range snapshot {
		remoteID, mapped := forward[agentID]
		if !mapped {
			diff.Creates = append(diff.Creates, entry.Task)
			continue
		}
		patch, fields, err := d.buildPatch(ctx, entry.Task, remoteID)
		if err != nil {
			d.logger.Warn("Skipping undiffable task", map[string]interface{}{
				"agent_id": agentID,
				"error":    err,
			})
			continue
		}
		if patch.IsEmpty() {
			continue
		}
		diff.Updates = append(diff.Updates, UpdateChange{
			Task:     entry.Task,
			RemoteID: remoteID,
			Patch:    patch,
			Fields:   fields,
		})
	}

	now := d.clock.Now()
	d.mu.Lock()
	for agentID, remoteID := range forward {
		if _, present := snapshot[agentID]; present {
			delete(d.missing, agentID)
			continue
		}
		first, seen := d.missing[agentID]
		switch {
		case !seen:
			d.missing[agentID] = now
		case now.Sub(first) >= d.drift:
			// Still gone a full drift interval later: the removal is real.
			delete(d.missing, agentID)
			diff.Deletes = append(diff.Deletes, DeleteChange{AgentID: agentID, RemoteID: remoteID})
		}
	}
	d.mu.Unlock()

	return diff, nil
}

// buildPatch compares the task's desired remote form against the cached
// remote snapshot and emits only the differing fields. With a cold cache the
// upload time decides: a task untouched since its last push needs nothing,
// anything else gets a full patch.
func (d *Differ) buildPatch(ctx context.Context, task adapter.AgentTask, remoteID string) (planner.TaskPatch, []string, error) {
	desired, err := adapter.ToRemote(task, d.planID, d.bucketID, d.userIDMap)
	if err != nil {
		return planner.TaskPatch{}, nil, err
	}

	cached, err := d.maps.CachedRemote(ctx, remoteID)
	if err != nil {
		return planner.TaskPatch{}, nil, err
	}
	if cached == nil {
		lastUpload, err := d.maps.LastUpload(ctx, task.ID)
		if err != nil {
			return planner.TaskPatch{}, nil, err
		}
		updated := task.UpdatedAtTime()
		if !updated.IsZero() && !updated.After(lastUpload) {
			return planner.TaskPatch{}, nil, nil
		}
		return fullPatch(desired), allFields(), nil
	}

	var patch planner.TaskPatch
	var fields []string
	if desired.Title != cached.Title {
		patch.Title = &desired.Title
		fields = append(fields, "title")
	}
	if desired.Notes != cached.Notes {
		patch.Notes = &desired.Notes
		fields = append(fields, "description")
	}
	if desired.PercentComplete != cached.PercentComplete {
		patch.PercentComplete = &desired.PercentComplete
		fields = append(fields, "percent_complete")
	}
	if desired.Priority != cached.Priority {
		patch.Priority = &desired.Priority
		fields = append(fields, "priority")
	}
	if desired.DueDateTime != cached.DueDateTime {
		patch.DueDateTime = &desired.DueDateTime
		fields = append(fields, "due_date")
	}
	if !sameAssignees(desired.Assignments, cached.Assignments) {
		patch.Assignments = &desired.Assignments
		fields = append(fields, "assigned_to")
	}
	return patch, fields, nil
}

func fullPatch(desired planner.RemoteTask) planner.TaskPatch {
	return planner.TaskPatch{
		Title:           &desired.Title,
		Notes:           &desired.Notes,
		PercentComplete: &desired.PercentComplete,
		Priority:        &desired.Priority,
		DueDateTime:     &desired.DueDateTime,
		Assignments:     &desired.Assignments,
	}
}

func allFields() []string {
	return []string{"title", "description", "percent_complete", "priority", "due_date", "assigned_to"}
}

func sameAssignees(a, b map[string]planner.Assignment) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
