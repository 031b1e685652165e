// Package metadata caches slow-moving planner lookups (plans, buckets,
// groups, users) in Redis so hot paths never block on a directory round
// trip. Entries live at meta/{kind}/{id} for a day and are invalidated when
// a webhook notification touches the owning resource.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// Kind names a metadata class. The kind is part of the Redis key, so values
// must stay stable across releases.
type Kind string

const (
	KindUser   Kind = "user"
	KindGroup  Kind = "group"
	KindPlan   Kind = "plan"
	KindBucket Kind = "bucket"
)

// TTL is how long a cached entry stays valid.
const TTL = 24 * time.Hour

// Loader fetches the authoritative value on a cache miss.
type Loader func(ctx context.Context) (interface{}, error)

// Cache is a read-through Redis cache with single-flight miss handling.
type Cache struct {
	rc     *core.RedisClient
	logger core.Logger
	group  singleflight.Group
}

// NewCache creates a metadata cache.
func NewCache(rc *core.RedisClient, logger core.Logger) *Cache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Cache{rc: rc, logger: logger}
}

func key(kind Kind, id string) string {
	return state.KeyMetaPrefix + string(kind) + "/" + id
}

// Get reads a cached entry into out. The second return is false on a miss.
func (c *Cache) Get(ctx context.Context, kind Kind, id string, out interface{}) (bool, error) {
	raw, err := c.rc.Client().Get(ctx, c.rc.Key(key(kind, id))).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("metadata get %s/%s: %w", kind, id, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("corrupt metadata entry %s/%s: %w", kind, id, err)
	}
	return true, nil
}

// Put stores an entry with the standard TTL.
func (c *Cache) Put(ctx context.Context, kind Kind, id string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata %s/%s: %w", kind, id, err)
	}
	if err := c.rc.Client().Set(ctx, c.rc.Key(key(kind, id)), raw, TTL).Err(); err != nil {
		return fmt.Errorf("metadata put %s/%s: %w", kind, id, err)
	}
	return nil
}

// Fetch reads through the cache: a hit decodes into out, a miss runs the
// loader exactly once per key across concurrent callers and stores the
// result before decoding it into out.
func (c *Cache) Fetch(ctx context.Context, kind Kind, id string, out interface{}, load Loader) error {
	hit, err := c.Get(ctx, kind, id, out)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	raw, err, _ := c.group.Do(key(kind, id), func() (interface{}, error) {
		// Another flight may have populated the key while we queued.
		probe, err := c.rc.Client().Get(ctx, c.rc.Key(key(kind, id))).Result()
		if err == nil {
			return []byte(probe), nil
		}
		if err != redis.Nil {
			return nil, fmt.Errorf("metadata get %s/%s: %w", kind, id, err)
		}

		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Put(ctx, kind, id, value); err != nil {
			c.logger.Warn("Failed to cache metadata", map[string]interface{}{
				"kind":  kind,
				"id":    id,
				"error": err,
			})
		}
		return json.Marshal(value)
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), out)
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, id string) error {
	if err := c.rc.Client().Del(ctx, c.rc.Key(key(kind, id))).Err(); err != nil {
		return fmt.Errorf("metadata invalidate %s/%s: %w", kind, id, err)
	}
	return nil
}

// InvalidateKind drops every entry of one kind.
func (c *Cache) InvalidateKind(ctx context.Context, kind Kind) error {
	keys, err := c.rc.ScanKeys(ctx, state.KeyMetaPrefix+string(kind)+"/*")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := c.rc.Client().Del(ctx, c.rc.Key(k)).Err(); err != nil {
			return fmt.Errorf("metadata invalidate kind %s: %w", kind, err)
		}
	}
	return nil
}

// HandleNotification invalidates entries the notification makes stale. Plan
// structure can change under a group event, so both kinds drop together.
func (c *Cache) HandleNotification(ctx context.Context, ev planner.ResourceEvent) {
	var err error
	switch ev := ev.(type) {
	case planner.PlanEvent:
		err = c.Invalidate(ctx, KindPlan, ev.PlanID)
		if err == nil {
			err = c.InvalidateKind(ctx, KindBucket)
		}
	case planner.GroupEvent:
		err = c.Invalidate(ctx, KindGroup, ev.GroupID)
		if err == nil {
			err = c.InvalidateKind(ctx, KindPlan)
		}
	default:
		return
	}
	if err != nil {
		c.logger.Warn("Metadata invalidation failed", map[string]interface{}{
			"error": err,
		})
	}
}

// ReassertTTLs re-applies the standard TTL to every metadata key. Run by the
// housekeeper so entries written before a TTL misconfiguration still expire.
func (c *Cache) ReassertTTLs(ctx context.Context) (int, error) {
	keys, err := c.rc.ScanKeys(ctx, state.KeyMetaPrefix+"*")
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.rc.Client().Expire(ctx, c.rc.Key(k), TTL).Err(); err != nil {
			return 0, fmt.Errorf("metadata expire %s: %w", k, err)
		}
	}
	return len(keys), nil
}
