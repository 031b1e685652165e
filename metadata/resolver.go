package metadata

import (
	"context"
	"fmt"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
)

// DirectoryAPI is the slice of the planner client the resolver reads from.
type DirectoryAPI interface {
	ListGroupPlans(ctx context.Context, groupID string) ([]planner.Plan, error)
	ListPlanBuckets(ctx context.Context, planID string) ([]planner.Bucket, error)
}

// Resolver answers plan and bucket lookups through the cache.
type Resolver struct {
	cache *Cache
	api   DirectoryAPI
}

// NewResolver creates a resolver.
func NewResolver(cache *Cache, api DirectoryAPI) *Resolver {
	return &Resolver{cache: cache, api: api}
}

// Plan resolves one plan of a group.
func (r *Resolver) Plan(ctx context.Context, groupID, planID string) (planner.Plan, error) {
	var plan planner.Plan
	err := r.cache.Fetch(ctx, KindPlan, planID, &plan, func(ctx context.Context) (interface{}, error) {
		plans, err := r.api.ListGroupPlans(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, p := range plans {
			if p.ID == planID {
				return p, nil
			}
		}
		return nil, fmt.Errorf("plan %s not in group %s: %w", planID, groupID, core.ErrRemoteGone)
	})
	return plan, err
}

// Bucket resolves one bucket of a plan.
func (r *Resolver) Bucket(ctx context.Context, planID, bucketID string) (planner.Bucket, error) {
	var bucket planner.Bucket
	err := r.cache.Fetch(ctx, KindBucket, bucketID, &bucket, func(ctx context.Context) (interface{}, error) {
		buckets, err := r.api.ListPlanBuckets(ctx, planID)
		if err != nil {
			return nil, err
		}
		for _, b := range buckets {
			if b.ID == bucketID {
				return b, nil
			}
		}
		return nil, fmt.Errorf("bucket %s not in plan %s: %w", bucketID, planID, core.ErrRemoteGone)
	})
	return bucket, err
}

// FirstBucket resolves a plan's first bucket. Used when a task carries no
// explicit bucket and no default is configured.
func (r *Resolver) FirstBucket(ctx context.Context, planID string) (planner.Bucket, error) {
	var bucket planner.Bucket
	err := r.cache.Fetch(ctx, KindBucket, "first-of-"+planID, &bucket, func(ctx context.Context) (interface{}, error) {
		buckets, err := r.api.ListPlanBuckets(ctx, planID)
		if err != nil {
			return nil, err
		}
		if len(buckets) == 0 {
			return nil, fmt.Errorf("plan %s has no buckets: %w", planID, core.ErrRemoteGone)
		}
		return buckets[0], nil
	})
	return bucket, err
}
