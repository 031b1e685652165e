package health

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/metadata"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// sweepInterval is how often the housekeeping pass runs.
const sweepInterval = time.Hour

// TaskProber is the slice of the planner client the mapping audit uses.
type TaskProber interface {
	GetTask(ctx context.Context, id, ifNoneMatch string) (*planner.RemoteTask, error)
}

// Housekeeper runs the periodic maintenance sweep: bounded-log trims, the
// stale-mapping audit, mapping-table repair and metadata TTL reassertion.
type Housekeeper struct {
	cfg    core.HealthConfig
	rc     *core.RedisClient
	maps   *state.MappingStore
	api    TaskProber
	meta   *metadata.Cache
	logger core.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewHousekeeper wires the sweep. api and meta may be nil; their passes are
// skipped.
func NewHousekeeper(cfg core.HealthConfig, rc *core.RedisClient, maps *state.MappingStore, api TaskProber, meta *metadata.Cache, logger core.Logger) *Housekeeper {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Housekeeper{
		cfg:    cfg,
		rc:     rc,
		maps:   maps,
		api:    api,
		meta:   meta,
		logger: logger.WithComponent("housekeeper"),
	}
}

var _ core.Component = (*Housekeeper)(nil)

// Name implements core.Component.
func (h *Housekeeper) Name() string { return "housekeeper" }

// Start runs one sweep immediately, then hourly.
func (h *Housekeeper) Start(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Sweep(runCtx)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				h.Sweep(runCtx)
			}
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (h *Housekeeper) Stop(ctx context.Context) error {
	if !h.running.CompareAndSwap(true, false) {
		return nil
	}
	h.cancel()
	h.wg.Wait()
	return nil
}

// Sweep runs one full maintenance pass. Each stage is independent; a failing
// stage logs and the rest still run.
func (h *Housekeeper) Sweep(ctx context.Context) {
	h.trimLogs(ctx)
	h.repairMappings(ctx)
	h.auditMappings(ctx)
	if h.meta != nil {
		if n, err := h.meta.ReassertTTLs(ctx); err != nil {
			h.logger.Warn("Metadata TTL reassertion failed", map[string]interface{}{"error": err})
		} else if n > 0 {
			h.logger.Debug("Metadata TTLs reasserted", map[string]interface{}{"keys": n})
		}
	}
}

// trimLogs re-applies the bounded-log caps. Appends already trim; this
// covers entries written by older builds or by hand.
func (h *Housekeeper) trimLogs(ctx context.Context) {
	for key, max := range map[string]int64{
		state.KeySyncLog:    state.SyncLogMax,
		state.KeyWebhookLog: state.WebhookLogMax,
		state.KeyFailedOps:  state.FailedOpsMax,
	} {
		if err := h.rc.Client().LTrim(ctx, h.rc.Key(key), 0, max-1).Err(); err != nil {
			h.logger.Warn("Log trim failed", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
	}
}

// repairMappings restores bidirectionality. A forward entry whose reverse is
// missing or points elsewhere gets its reverse rewritten; a reverse entry
// with no forward counterpart is dangling and gets cleared.
func (h *Housekeeper) repairMappings(ctx context.Context) {
	forward, err := h.maps.Forward(ctx)
	if err != nil {
		h.logger.Warn("Mapping repair skipped", map[string]interface{}{"error": err})
		return
	}
	reverse, err := h.maps.Reverse(ctx)
	if err != nil {
		h.logger.Warn("Mapping repair skipped", map[string]interface{}{"error": err})
		return
	}

	for agentID, remoteID := range forward {
		if reverse[remoteID] == agentID {
			continue
		}
		if err := h.maps.RepairReverse(ctx, agentID, remoteID); err != nil {
			h.logger.Warn("Failed to repair reverse mapping", map[string]interface{}{
				"agent_id":  agentID,
				"remote_id": remoteID,
				"error":     err,
			})
			continue
		}
		h.logger.Info("Repaired reverse mapping", map[string]interface{}{
			"agent_id":  agentID,
			"remote_id": remoteID,
		})
	}

	for remoteID, agentID := range reverse {
		if forward[agentID] == remoteID {
			continue
		}
		if err := h.maps.UnbindByRemote(ctx, remoteID); err != nil {
			h.logger.Warn("Failed to clear dangling reverse mapping", map[string]interface{}{
				"remote_id": remoteID,
				"error":     err,
			})
			continue
		}
		h.logger.Info("Cleared dangling reverse mapping", map[string]interface{}{
			"agent_id":  agentID,
			"remote_id": remoteID,
		})
	}
}

// auditMappings probes mappings older than the configured age and tears down
// the ones whose remote task no longer exists.
func (h *Housekeeper) auditMappings(ctx context.Context) {
	if h.api == nil {
		return
	}
	forward, err := h.maps.Forward(ctx)
	if err != nil {
		h.logger.Warn("Mapping audit skipped", map[string]interface{}{"error": err})
		return
	}

	cutoff := time.Now().Add(-h.cfg.MappingMaxAge)
	for agentID, remoteID := range forward {
		boundAt, err := h.maps.BoundAt(ctx, agentID)
		if err != nil || boundAt.IsZero() || boundAt.After(cutoff) {
			continue
		}
		_, err = h.api.GetTask(ctx, remoteID, "")
		switch {
		case err == nil, errors.Is(err, core.ErrNotModified):
			continue
		case errors.Is(err, core.ErrRemoteGone):
			if err := h.maps.UnbindByAgent(ctx, agentID); err != nil {
				h.logger.Warn("Failed to tear down stale mapping", map[string]interface{}{
					"agent_id": agentID,
					"error":    err,
				})
				continue
			}
			h.logger.Info("Tore down mapping to vanished remote task", map[string]interface{}{
				"agent_id":  agentID,
				"remote_id": remoteID,
			})
		default:
			// Transient probe failure; the next sweep tries again.
		}
	}
}
