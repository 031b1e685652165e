package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/state"
)

func newTestDiffer(t *testing.T) (*Differ, *state.MappingStore) {
	t.Helper()
	_, rc := newTestRedis(t)
	maps := state.NewMappingStore(rc, nil)
	cfg := testPlannerConfig()
	return NewDiffer(maps, cfg.DefaultPlanID, cfg.DefaultBucketID, cfg.UserIDMap, 30*time.Second, nil), maps
}

// stubClock lets delete-detection tests step time across Compute passes.
type stubClock struct {
	mu  gosync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func entryFor(task adapter.AgentTask) state.TaskEntry {
	return state.TaskEntry{
		Task:     task,
		Location: state.TaskLocation{DocKey: state.KeyGlobalState, List: "main", Index: 0},
	}
}

// cachedFor stores the task's own remote form as the cached copy, so a diff
// against an unmodified task is empty.
func cachedFor(t *testing.T, maps *state.MappingStore, task adapter.AgentTask, remoteID string) {
	t.Helper()
	cfg := testPlannerConfig()
	remote, err := adapter.ToRemote(task, cfg.DefaultPlanID, cfg.DefaultBucketID, cfg.UserIDMap)
	require.NoError(t, err)
	remote.ID = remoteID
	require.NoError(t, maps.CacheRemote(context.Background(), remote))
}

func TestComputeEmitsCreateForUnmappedTask(t *testing.T) {
	differ, _ := newTestDiffer(t)
	ctx := context.Background()

	task := agentTask("agent-1", "write report")
	diff, err := differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)

	require.Len(t, diff.Creates, 1)
	assert.Equal(t, "agent-1", diff.Creates[0].ID)
	assert.Empty(t, diff.Updates)
	assert.Empty(t, diff.Deletes)
}

func TestComputeEmitsOnlyChangedFields(t *testing.T) {
	differ, maps := newTestDiffer(t)
	ctx := context.Background()

	task := agentTask("agent-1", "write report")
	require.NoError(t, maps.Bind(ctx, "agent-1", "rem-1", `W/"1"`))
	cachedFor(t, maps, task, "rem-1")

	task.Title = "write quarterly report"
	task.Priority = adapter.PriorityUrgent

	diff, err := differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)

	require.Len(t, diff.Updates, 1)
	upd := diff.Updates[0]
	assert.Equal(t, "rem-1", upd.RemoteID)
	assert.ElementsMatch(t, []string{"title", "priority"}, upd.Fields)
	require.NotNil(t, upd.Patch.Title)
	assert.Equal(t, "write quarterly report", *upd.Patch.Title)
	require.NotNil(t, upd.Patch.Priority)
	assert.Equal(t, 1, *upd.Patch.Priority)
	assert.Nil(t, upd.Patch.Notes)
	assert.Nil(t, upd.Patch.PercentComplete)
	assert.Nil(t, upd.Patch.DueDateTime)
	assert.Nil(t, upd.Patch.Assignments)
}

func TestComputeSkipsUnchangedMappedTask(t *testing.T) {
	differ, maps := newTestDiffer(t)
	ctx := context.Background()

	task := agentTask("agent-1", "write report")
	require.NoError(t, maps.Bind(ctx, "agent-1", "rem-1", `W/"1"`))
	cachedFor(t, maps, task, "rem-1")

	diff, err := differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestComputeColdCacheUsesUploadTime(t *testing.T) {
	differ, maps := newTestDiffer(t)
	ctx := context.Background()

	task := agentTask("agent-1", "write report")
	task.UpdatedAt = time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	require.NoError(t, maps.Bind(ctx, "agent-1", "rem-1", `W/"1"`))

	// Pushed after its last edit: nothing to do even without a cached copy.
	require.NoError(t, maps.TouchLastUpload(ctx, "agent-1", time.Now()))
	diff, err := differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)
	assert.Empty(t, diff.Updates)

	// Edited after the last push: a full patch goes out.
	task.UpdatedAt = time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	diff, err = differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)
	require.Len(t, diff.Updates, 1)
	assert.ElementsMatch(t,
		[]string{"title", "description", "percent_complete", "priority", "due_date", "assigned_to"},
		diff.Updates[0].Fields)
}

func TestComputeDeleteNeedsMissesOneDriftIntervalApart(t *testing.T) {
	differ, maps := newTestDiffer(t)
	clock := &stubClock{now: time.Now()}
	differ.clock = clock
	ctx := context.Background()

	require.NoError(t, maps.Bind(ctx, "agent-1", "rem-1", `W/"1"`))
	empty := map[string]state.TaskEntry{}

	diff, err := differ.Compute(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes, "first miss must not delete")

	// Debounced passes can land microseconds apart; a second miss inside the
	// drift interval is the same observation, not a confirmation.
	diff, err = differ.Compute(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes, "back-to-back misses must not delete")

	clock.advance(29 * time.Second)
	diff, err = differ.Compute(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes, "miss inside the drift interval must not delete")

	clock.advance(time.Second)
	diff, err = differ.Compute(ctx, empty)
	require.NoError(t, err)
	require.Len(t, diff.Deletes, 1)
	assert.Equal(t, "agent-1", diff.Deletes[0].AgentID)
	assert.Equal(t, "rem-1", diff.Deletes[0].RemoteID)
}

func TestComputeReappearanceResetsMissCounter(t *testing.T) {
	differ, maps := newTestDiffer(t)
	clock := &stubClock{now: time.Now()}
	differ.clock = clock
	ctx := context.Background()

	task := agentTask("agent-1", "write report")
	require.NoError(t, maps.Bind(ctx, "agent-1", "rem-1", `W/"1"`))
	cachedFor(t, maps, task, "rem-1")

	diff, err := differ.Compute(ctx, map[string]state.TaskEntry{})
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes)

	// The task shows up again: a partially written document, not a removal.
	clock.advance(time.Minute)
	diff, err = differ.Compute(ctx, map[string]state.TaskEntry{"agent-1": entryFor(task)})
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes)

	clock.advance(time.Minute)
	diff, err = differ.Compute(ctx, map[string]state.TaskEntry{})
	require.NoError(t, err)
	assert.Empty(t, diff.Deletes, "counter must restart after reappearance")
}
