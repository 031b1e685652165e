package health

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/state"
	"github.com/agentmesh/plannersync/subscription"
)

// SubscriptionStatuses is the slice of the subscription manager the
// publisher reads.
type SubscriptionStatuses interface {
	Statuses(ctx context.Context) map[string]subscription.FamilyStatus
}

// TokenAges is the slice of the token service the publisher reads.
type TokenAges interface {
	Remaining(ctx context.Context, kind core.TokenKind) time.Duration
}

// Snapshot is the JSON document written at the health key and served on the
// health endpoint.
type Snapshot struct {
	Status             string                                   `json:"status"`
	PendingOpCount     int64                                    `json:"pending_op_count"`
	FailedOpCount      int64                                    `json:"failed_op_count"`
	LastSuccessfulSync *time.Time                               `json:"last_successful_sync,omitempty"`
	Subscriptions      map[string]subscription.FamilyStatus     `json:"subscriptions,omitempty"`
	TokenRemaining     map[string]string                        `json:"token_remaining,omitempty"`
	GeneratedAt        time.Time                                `json:"generated_at"`
}

// Publisher writes the health snapshot to Redis on an interval. The TTL
// matches the interval so a stalled syncer reads as absent, not stale-ok.
type Publisher struct {
	cfg     core.HealthConfig
	rc      *core.RedisClient
	tracker *Tracker
	queue   *state.OpQueue
	subs    SubscriptionStatuses
	tokens  TokenAges
	logger  core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewPublisher wires the snapshot publisher. subs and tokens may be nil;
// their sections are omitted.
func NewPublisher(cfg core.HealthConfig, rc *core.RedisClient, tracker *Tracker, queue *state.OpQueue, subs SubscriptionStatuses, tokens TokenAges, logger core.Logger) *Publisher {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Publisher{
		cfg:     cfg,
		rc:      rc,
		tracker: tracker,
		queue:   queue,
		subs:    subs,
		tokens:  tokens,
		logger:  logger.WithComponent("health"),
	}
}

var _ core.Component = (*Publisher)(nil)

// Name implements core.Component.
func (p *Publisher) Name() string { return "health-publisher" }

// Start publishes one snapshot immediately, then on the interval.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.publish(runCtx)
		ticker := time.NewTicker(p.cfg.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.publish(runCtx)
			}
		}
	}()
	return nil
}

// Stop halts publishing.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return nil
}

// Snapshot assembles the current health view.
func (p *Publisher) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:      "ok",
		GeneratedAt: time.Now().UTC(),
	}
	if p.tracker != nil {
		if p.tracker.Degraded() {
			snap.Status = "degraded"
		}
		if last := p.tracker.LastSuccess(); !last.IsZero() {
			utc := last.UTC()
			snap.LastSuccessfulSync = &utc
		}
	}
	if p.queue != nil {
		if depth, err := p.queue.PendingDepth(ctx); err == nil {
			snap.PendingOpCount = depth
		}
		if depth, err := p.queue.FailedDepth(ctx); err == nil {
			snap.FailedOpCount = depth
		}
	}
	if p.subs != nil {
		snap.Subscriptions = p.subs.Statuses(ctx)
	}
	if p.tokens != nil {
		snap.TokenRemaining = map[string]string{
			string(core.KindDelegated):   p.tokens.Remaining(ctx, core.KindDelegated).Truncate(time.Second).String(),
			string(core.KindApplication): p.tokens.Remaining(ctx, core.KindApplication).Truncate(time.Second).String(),
		}
	}
	return snap
}

func (p *Publisher) publish(ctx context.Context) {
	snap := p.Snapshot(ctx)
	raw, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("Failed to serialize health snapshot", map[string]interface{}{"error": err})
		return
	}
	if err := p.rc.Client().Set(ctx, p.rc.Key(state.KeyHealth), raw, p.cfg.TTL).Err(); err != nil {
		p.logger.Error("Failed to write health snapshot", map[string]interface{}{"error": err})
	}
}

// Stored reads the last published snapshot. The second return is false when
// the key expired or was never written.
func (p *Publisher) Stored(ctx context.Context) (Snapshot, bool, error) {
	raw, err := p.rc.Client().Get(ctx, p.rc.Key(state.KeyHealth)).Result()
	if err != nil {
		if err == redis.Nil {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("failed to read health snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt health snapshot: %w", err)
	}
	return snap, true, nil
}
