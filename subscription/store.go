package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// Store persists subscription descriptors, one hash per family. Descriptors
// survive restarts so a rolling deploy does not churn subscriptions.
type Store struct {
	rc *core.RedisClient
}

// NewStore creates a descriptor store.
func NewStore(rc *core.RedisClient) *Store {
	return &Store{rc: rc}
}

func (s *Store) key(family planner.Family) string {
	return s.rc.Key(state.KeySubPrefix + string(family))
}

// Put writes a family's descriptor.
func (s *Store) Put(ctx context.Context, desc *Descriptor) error {
	fields := map[string]interface{}{
		"family":       string(desc.Family),
		"resource":     desc.Resource,
		"change_types": desc.ChangeTypes,
		"client_state": desc.ClientState,
		"current_id":   desc.CurrentID,
		"expires_at":   desc.ExpiresAt.UTC().Format(time.RFC3339),
		"disabled":     fmt.Sprintf("%t", desc.Disabled),
	}
	if !desc.LastEventAt.IsZero() {
		fields["last_event_at"] = desc.LastEventAt.UTC().Format(time.RFC3339)
	}
	if err := s.rc.Client().HSet(ctx, s.key(desc.Family), fields).Err(); err != nil {
		return fmt.Errorf("failed to persist descriptor for %s: %w", desc.Family, err)
	}
	return nil
}

// Get reads a family's descriptor. A family never subscribed yields nil.
func (s *Store) Get(ctx context.Context, family planner.Family) (*Descriptor, error) {
	fields, err := s.rc.Client().HGetAll(ctx, s.key(family)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read descriptor for %s: %w", family, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	desc := &Descriptor{
		Family:      family,
		Resource:    fields["resource"],
		ChangeTypes: fields["change_types"],
		ClientState: fields["client_state"],
		CurrentID:   fields["current_id"],
		Disabled:    fields["disabled"] == "true",
	}
	if v := fields["expires_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			desc.ExpiresAt = ts
		}
	}
	if v := fields["last_event_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			desc.LastEventAt = ts
		}
	}
	return desc, nil
}

// TouchEvent stamps the family's last delivered event time.
func (s *Store) TouchEvent(ctx context.Context, family planner.Family, at time.Time) error {
	return s.rc.Client().HSet(ctx, s.key(family), "last_event_at", at.UTC().Format(time.RFC3339)).Err()
}

// Delete removes a family's descriptor.
func (s *Store) Delete(ctx context.Context, family planner.Family) error {
	return s.rc.Client().Del(ctx, s.key(family)).Err()
}
