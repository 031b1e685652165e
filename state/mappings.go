package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
)

// MappingStore owns the bidirectional agent-id to remote-id tables and the
// per-task sidecars (etag, last_upload, cached_remote). Bind and unbind are
// transactional: forward mapping, reverse mapping and sidecars commit in one
// MULTI/EXEC, so the two tables stay mutual inverses outside an in-flight
// operation. The housekeeper repairs any asymmetry observed after a crash.
type MappingStore struct {
	rc     *core.RedisClient
	logger core.Logger
}

// CachedRemoteTTL is how long the last fetched remote snapshot is retained
// to suppress no-op echoes.
const CachedRemoteTTL = time.Hour

// NewMappingStore creates a mapping store.
func NewMappingStore(rc *core.RedisClient, logger core.Logger) *MappingStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MappingStore{rc: rc, logger: logger}
}

// Bind establishes the agent<->remote association. Idempotent: rebinding the
// same pair refreshes the sidecars.
func (m *MappingStore) Bind(ctx context.Context, agentID, remoteID, etag string) error {
	if agentID == "" || remoteID == "" {
		return fmt.Errorf("bind requires both ids (agent=%q remote=%q)", agentID, remoteID)
	}

	now := time.Now().Unix()
	pipe := m.rc.Client().TxPipeline()
	pipe.HSet(ctx, m.rc.Key(KeyForwardMap), agentID, remoteID)
	pipe.HSet(ctx, m.rc.Key(KeyReverseMap), remoteID, agentID)
	pipe.HSet(ctx, m.rc.Key(KeyBoundAt), agentID, now)
	if etag != "" {
		pipe.Set(ctx, m.rc.Key(KeyETagPrefix+remoteID), etag, 0)
	}
	pipe.Set(ctx, m.rc.Key(KeyLastUploadPfx+agentID), strconv.FormatInt(now, 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bind %s<->%s: %w", agentID, remoteID, err)
	}

	m.logger.Debug("Mapping bound", map[string]interface{}{
		"agent_id":  agentID,
		"remote_id": remoteID,
	})
	return nil
}

// UnbindByAgent tears down the mapping and sidecars starting from the agent
// id. Unbinding an unmapped id is a no-op.
func (m *MappingStore) UnbindByAgent(ctx context.Context, agentID string) error {
	remoteID, err := m.ResolveRemote(ctx, agentID)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	return m.unbind(ctx, agentID, remoteID)
}

// UnbindByRemote tears down the mapping and sidecars starting from the
// remote id. Unbinding an unmapped id is a no-op.
func (m *MappingStore) UnbindByRemote(ctx context.Context, remoteID string) error {
	agentID, err := m.ResolveAgent(ctx, remoteID)
	if err != nil {
		if core.IsNotFound(err) {
			// Still clear a dangling reverse-side sidecar.
			return m.clearRemoteSidecars(ctx, remoteID)
		}
		return err
	}
	return m.unbind(ctx, agentID, remoteID)
}

func (m *MappingStore) unbind(ctx context.Context, agentID, remoteID string) error {
	pipe := m.rc.Client().TxPipeline()
	pipe.HDel(ctx, m.rc.Key(KeyForwardMap), agentID)
	pipe.HDel(ctx, m.rc.Key(KeyReverseMap), remoteID)
	pipe.HDel(ctx, m.rc.Key(KeyBoundAt), agentID)
	pipe.Del(ctx, m.rc.Key(KeyETagPrefix+remoteID))
	pipe.Del(ctx, m.rc.Key(KeyLastUploadPfx+agentID))
	pipe.Del(ctx, m.rc.Key(KeyCachedRemotPfx+remoteID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to unbind %s<->%s: %w", agentID, remoteID, err)
	}

	m.logger.Info("Mapping unbound", map[string]interface{}{
		"agent_id":  agentID,
		"remote_id": remoteID,
	})
	return nil
}

func (m *MappingStore) clearRemoteSidecars(ctx context.Context, remoteID string) error {
	pipe := m.rc.Client().TxPipeline()
	pipe.HDel(ctx, m.rc.Key(KeyReverseMap), remoteID)
	pipe.Del(ctx, m.rc.Key(KeyETagPrefix+remoteID))
	pipe.Del(ctx, m.rc.Key(KeyCachedRemotPfx+remoteID))
	_, err := pipe.Exec(ctx)
	return err
}

// ResolveRemote returns the remote id mapped to an agent id.
func (m *MappingStore) ResolveRemote(ctx context.Context, agentID string) (string, error) {
	v, err := m.rc.Client().HGet(ctx, m.rc.Key(KeyForwardMap), agentID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", core.ErrMappingNotFound
		}
		return "", fmt.Errorf("failed to resolve remote for %s: %w", agentID, err)
	}
	return v, nil
}

// ResolveAgent returns the agent id mapped to a remote id.
func (m *MappingStore) ResolveAgent(ctx context.Context, remoteID string) (string, error) {
	v, err := m.rc.Client().HGet(ctx, m.rc.Key(KeyReverseMap), remoteID).Result()
	if err != nil {
		if err == redis.Nil {
			return "", core.ErrMappingNotFound
		}
		return "", fmt.Errorf("failed to resolve agent for %s: %w", remoteID, err)
	}
	return v, nil
}

// Forward returns the complete agent->remote table.
func (m *MappingStore) Forward(ctx context.Context) (map[string]string, error) {
	v, err := m.rc.Client().HGetAll(ctx, m.rc.Key(KeyForwardMap)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read forward map: %w", err)
	}
	return v, nil
}

// Reverse returns the complete remote->agent table.
func (m *MappingStore) Reverse(ctx context.Context) (map[string]string, error) {
	v, err := m.rc.Client().HGetAll(ctx, m.rc.Key(KeyReverseMap)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read reverse map: %w", err)
	}
	return v, nil
}

// RepairReverse restores the reverse entry for a forward mapping observed
// without its inverse (crash between bind steps).
func (m *MappingStore) RepairReverse(ctx context.Context, agentID, remoteID string) error {
	return m.rc.Client().HSet(ctx, m.rc.Key(KeyReverseMap), remoteID, agentID).Err()
}

// BoundAt returns when the agent id's mapping was established.
func (m *MappingStore) BoundAt(ctx context.Context, agentID string) (time.Time, error) {
	v, err := m.rc.Client().HGet(ctx, m.rc.Key(KeyBoundAt), agentID).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, core.ErrMappingNotFound
		}
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt bound_at for %s: %w", agentID, err)
	}
	return time.Unix(sec, 0), nil
}

// SetETag records the last observed ETag for a remote task.
func (m *MappingStore) SetETag(ctx context.Context, remoteID, etag string) error {
	return m.rc.Client().Set(ctx, m.rc.Key(KeyETagPrefix+remoteID), etag, 0).Err()
}

// ETag returns the last observed ETag for a remote task, or "" when none
// has been recorded.
func (m *MappingStore) ETag(ctx context.Context, remoteID string) (string, error) {
	v, err := m.rc.Client().Get(ctx, m.rc.Key(KeyETagPrefix+remoteID)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// TouchLastUpload records a successful push for an agent task.
func (m *MappingStore) TouchLastUpload(ctx context.Context, agentID string, at time.Time) error {
	return m.rc.Client().Set(ctx, m.rc.Key(KeyLastUploadPfx+agentID), strconv.FormatInt(at.Unix(), 10), 0).Err()
}

// LastUpload returns the last successful push time, or the zero time when
// the task has never been pushed.
func (m *MappingStore) LastUpload(ctx context.Context, agentID string) (time.Time, error) {
	v, err := m.rc.Client().Get(ctx, m.rc.Key(KeyLastUploadPfx+agentID)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt last_upload for %s: %w", agentID, err)
	}
	return time.Unix(sec, 0), nil
}

// CacheRemote stores the last fetched remote snapshot with a 1 h TTL. The
// snapshot suppresses no-op echoes of the syncer's own uploads.
func (m *MappingStore) CacheRemote(ctx context.Context, task planner.RemoteTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize remote snapshot: %w", err)
	}
	return m.rc.Client().Set(ctx, m.rc.Key(KeyCachedRemotPfx+task.ID), data, CachedRemoteTTL).Err()
}

// CachedRemote returns the cached snapshot for a remote id, or nil when the
// cache is cold.
func (m *MappingStore) CachedRemote(ctx context.Context, remoteID string) (*planner.RemoteTask, error) {
	v, err := m.rc.Client().Get(ctx, m.rc.Key(KeyCachedRemotPfx+remoteID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var task planner.RemoteTask
	if err := json.Unmarshal([]byte(v), &task); err != nil {
		return nil, fmt.Errorf("corrupt cached_remote for %s: %w", remoteID, err)
	}
	return &task, nil
}
