package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *core.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, core.NewRedisClientFromExisting(client, "", &core.NoOpLogger{})
}

func TestBindAndResolve(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	require.NoError(t, ms.Bind(ctx, "a-1", "r-1", `W/"v1"`))

	remote, err := ms.ResolveRemote(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", remote)

	agent, err := ms.ResolveAgent(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", agent)

	etag, err := ms.ETag(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, `W/"v1"`, etag)

	bound, err := ms.BoundAt(ctx, "a-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), bound, 5*time.Second)
}

func TestBindValidation(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)

	assert.Error(t, ms.Bind(context.Background(), "", "r-1", ""))
	assert.Error(t, ms.Bind(context.Background(), "a-1", "", ""))
}

func TestResolveUnmapped(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	_, err := ms.ResolveRemote(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrMappingNotFound)

	_, err = ms.ResolveAgent(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrMappingNotFound)
}

func TestUnbindClearsEverything(t *testing.T) {
	mr, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	require.NoError(t, ms.Bind(ctx, "a-1", "r-1", `W/"v1"`))
	require.NoError(t, ms.CacheRemote(ctx, planner.RemoteTask{ID: "r-1", Title: "t"}))

	require.NoError(t, ms.UnbindByAgent(ctx, "a-1"))

	_, err := ms.ResolveRemote(ctx, "a-1")
	assert.ErrorIs(t, err, core.ErrMappingNotFound)
	_, err = ms.ResolveAgent(ctx, "r-1")
	assert.ErrorIs(t, err, core.ErrMappingNotFound)
	assert.False(t, mr.Exists(KeyETagPrefix+"r-1"))
	assert.False(t, mr.Exists(KeyLastUploadPfx+"a-1"))
	assert.False(t, mr.Exists(KeyCachedRemotPfx+"r-1"))
}

func TestUnbindUnmappedIsNoOp(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)

	assert.NoError(t, ms.UnbindByAgent(context.Background(), "ghost"))
	assert.NoError(t, ms.UnbindByRemote(context.Background(), "ghost"))
}

func TestUnbindByRemote(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	require.NoError(t, ms.Bind(ctx, "a-1", "r-1", ""))
	require.NoError(t, ms.UnbindByRemote(ctx, "r-1"))

	_, err := ms.ResolveRemote(ctx, "a-1")
	assert.ErrorIs(t, err, core.ErrMappingNotFound)
}

func TestForwardAndReverseTables(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	require.NoError(t, ms.Bind(ctx, "a-1", "r-1", ""))
	require.NoError(t, ms.Bind(ctx, "a-2", "r-2", ""))

	fwd, err := ms.Forward(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a-1": "r-1", "a-2": "r-2"}, fwd)

	rev, err := ms.Reverse(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"r-1": "a-1", "r-2": "a-2"}, rev)
}

func TestRepairReverse(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	// Simulate a crash that left only the forward half.
	require.NoError(t, rc.Client().HSet(ctx, KeyForwardMap, "a-1", "r-1").Err())

	require.NoError(t, ms.RepairReverse(ctx, "a-1", "r-1"))

	agent, err := ms.ResolveAgent(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "a-1", agent)
}

func TestETagAbsent(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)

	etag, err := ms.ETag(context.Background(), "r-unknown")
	require.NoError(t, err)
	assert.Empty(t, etag)
}

func TestLastUpload(t *testing.T) {
	_, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	at, err := ms.LastUpload(ctx, "a-never")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	want := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ms.TouchLastUpload(ctx, "a-1", want))

	got, err := ms.LastUpload(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
}

func TestCachedRemote(t *testing.T) {
	mr, rc := newTestRedis(t)
	ms := NewMappingStore(rc, nil)
	ctx := context.Background()

	cold, err := ms.CachedRemote(ctx, "r-1")
	require.NoError(t, err)
	assert.Nil(t, cold)

	require.NoError(t, ms.CacheRemote(ctx, planner.RemoteTask{ID: "r-1", Title: "Draft", PercentComplete: 50}))

	snap, err := ms.CachedRemote(ctx, "r-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "Draft", snap.Title)

	ttl := mr.TTL(KeyCachedRemotPfx + "r-1")
	assert.Equal(t, CachedRemoteTTL, ttl)
}
