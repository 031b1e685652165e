package state

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/plannersync/adapter"
)

func TestOpQueueRoundTrip(t *testing.T) {
	_, rc := newTestRedis(t)
	q := NewOpQueue(rc, nil)
	ctx := context.Background()

	op := NewOperation(OpUpdate, "a-1")
	op.RemoteID = "r-1"
	op.Changed = []string{"title", "percent_complete"}
	op.Task = &adapter.AgentTask{ID: "a-1", Title: "Draft"}
	require.NoError(t, q.Enqueue(ctx, op))

	depth, err := q.PendingDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, OpUpdate, got.Kind)
	assert.Equal(t, []string{"title", "percent_complete"}, got.Changed)
	require.NotNil(t, got.Task)
	assert.Equal(t, "Draft", got.Task.Title)
}

func TestOpQueueFIFO(t *testing.T) {
	_, rc := newTestRedis(t)
	q := NewOpQueue(rc, nil)
	ctx := context.Background()

	first := NewOperation(OpCreate, "a-1")
	second := NewOperation(OpCreate, "a-2")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestOpQueueDequeueTimeout(t *testing.T) {
	_, rc := newTestRedis(t)
	q := NewOpQueue(rc, nil)

	got, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOpQueueDeadLetterBounded(t *testing.T) {
	_, rc := newTestRedis(t)
	q := NewOpQueue(rc, nil)
	ctx := context.Background()

	for i := 0; i < int(FailedOpsMax)+5; i++ {
		op := NewOperation(OpUpdate, fmt.Sprintf("a-%d", i))
		require.NoError(t, q.Fail(ctx, op, errors.New("remote unreachable")))
	}

	depth, err := q.FailedDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(FailedOpsMax), depth)

	recent, err := q.Failed(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, fmt.Sprintf("a-%d", int(FailedOpsMax)+4), recent[0].AgentID)
	assert.Equal(t, "remote unreachable", recent[0].LastError)
}

func TestBoundedLog(t *testing.T) {
	_, rc := newTestRedis(t)
	log := NewBoundedLog(rc, KeySyncLog, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, fmt.Sprintf("event-%d", i), map[string]interface{}{"n": i}))
	}

	n, err := log.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	entries, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "event-4", entries[0].Event)
	assert.Equal(t, "event-2", entries[2].Event)
}
