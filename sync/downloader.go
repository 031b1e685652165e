package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// webhookSilence is how long a family may be silent before the polling
// fallback re-engages.
const webhookSilence = 10 * time.Minute

// remoteLockPrefix namespaces the lock taken while establishing a mapping
// for a not-yet-mapped remote id, so concurrent notifications for the same
// remote task cannot create duplicates.
const remoteLockPrefix = "remote/"

// SubscriptionHealth is the slice of the subscription manager the download
// pipeline consults for poll gating.
type SubscriptionHealth interface {
	RecordEvent(ctx context.Context, family planner.Family)
	Healthy(ctx context.Context, family planner.Family, silence time.Duration) bool
}

// MetadataInvalidator drops cached directory entries a notification makes
// stale. Implemented by the metadata cache.
type MetadataInvalidator interface {
	HandleNotification(ctx context.Context, ev planner.ResourceEvent)
}

// Downloader applies remote-side changes to the conscious state. It consumes
// the webhook receiver's queue and falls back to polling the default plan
// whenever the group-activity subscription goes silent.
type Downloader struct {
	cfg           core.SyncConfig
	api           TaskAPI
	conscious     *state.ConsciousStore
	maps          *state.MappingStore
	subs          SubscriptionHealth
	notifications <-chan planner.Notification
	locks         *KeyedLocks
	poke          func()
	syncLog       *state.BoundedLog
	health        HealthRecorder
	meta          MetadataInvalidator
	logger        core.Logger

	planID     string
	targetList string
	grace      time.Duration
	prefer     Winner
	inverse    map[string]string

	lastRemoteChange atomic.Value // time.Time
	lastPoll         atomic.Value // time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewDownloader wires the download pipeline. locks must be the same table
// the uploader uses so webhook and upload work for one task serialize; poke
// schedules an upload pass when the agent side wins a conflict.
func NewDownloader(
	cfg core.SyncConfig,
	plannerCfg core.PlannerConfig,
	api TaskAPI,
	conscious *state.ConsciousStore,
	maps *state.MappingStore,
	subs SubscriptionHealth,
	notifications <-chan planner.Notification,
	locks *KeyedLocks,
	poke func(),
	syncLog *state.BoundedLog,
	health HealthRecorder,
	logger core.Logger,
) *Downloader {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if health == nil {
		health = NoOpHealth{}
	}
	prefer := WinnerRemote
	if cfg.ConflictPrefer == string(WinnerAgent) {
		prefer = WinnerAgent
	}
	d := &Downloader{
		cfg:           cfg,
		api:           api,
		conscious:     conscious,
		maps:          maps,
		subs:          subs,
		notifications: notifications,
		locks:         locks,
		poke:          poke,
		syncLog:       syncLog,
		health:        health,
		logger:        logger.WithComponent("downloader"),
		planID:        plannerCfg.DefaultPlanID,
		targetList:    cfg.TargetList,
		grace:         cfg.ConflictGraceWindow,
		prefer:        prefer,
		inverse:       adapter.InvertUserMap(plannerCfg.UserIDMap),
	}
	d.lastRemoteChange.Store(time.Time{})
	d.lastPoll.Store(time.Time{})
	return d
}

var _ core.Component = (*Downloader)(nil)

// Name implements core.Component.
func (d *Downloader) Name() string { return "downloader" }

// SetMetadataInvalidator attaches the metadata cache. Must be called before
// Start.
func (d *Downloader) SetMetadataInvalidator(meta MetadataInvalidator) {
	d.meta = meta
}

// Start launches the notification workers and the polling fallback.
func (d *Downloader) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	workers := d.cfg.DownloadWorkers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(runCtx)
	}
	d.wg.Add(1)
	go d.pollLoop(runCtx)
	return nil
}

// Stop drains the pipeline within the supervisor's grace period.
func (d *Downloader) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.notifications:
			if !ok {
				return
			}
			d.handleNotification(ctx, n)
		}
	}
}

func (d *Downloader) handleNotification(ctx context.Context, n planner.Notification) {
	ev := planner.ParseResource(n.Resource)
	if ev.Family() != planner.FamilyUnknown && d.subs != nil {
		d.subs.RecordEvent(ctx, ev.Family())
	}
	if d.meta != nil {
		d.meta.HandleNotification(ctx, ev)
	}

	switch ev := ev.(type) {
	case planner.TaskEvent:
		d.markRemoteActivity()
		if err := d.handleRemoteTask(ctx, ev.TaskID, n.ChangeType); err != nil {
			d.logger.Error("Failed to apply remote task change", map[string]interface{}{
				"remote_id":   ev.TaskID,
				"change_type": n.ChangeType,
				"error":       err,
			})
		}
	case planner.PlanEvent:
		d.markRemoteActivity()
		if err := d.reconcilePlan(ctx, ev.PlanID); err != nil {
			d.logger.Error("Failed to reconcile plan", map[string]interface{}{
				"plan_id": ev.PlanID,
				"error":   err,
			})
		}
	case planner.GroupEvent:
		d.markRemoteActivity()
		if err := d.reconcilePlan(ctx, d.planID); err != nil {
			d.logger.Error("Failed to reconcile after group change", map[string]interface{}{
				"group_id": ev.GroupID,
				"error":    err,
			})
		}
	case planner.ChatMessageEvent, planner.ChannelMessageEvent, planner.UserMessageEvent:
		// Message streams keep the family's webhook liveness fresh; the task
		// graph is unaffected.
	default:
		d.logger.Warn("Unrecognized notification resource dropped", map[string]interface{}{
			"resource": n.Resource,
		})
	}
}

// handleRemoteTask applies one remote task change. Idempotent: replaying a
// notification converges to the same state.
func (d *Downloader) handleRemoteTask(ctx context.Context, remoteID, changeType string) error {
	agentID, err := d.maps.ResolveAgent(ctx, remoteID)
	switch {
	case err == nil:
		if changeType == "deleted" {
			return d.applyRemoteDelete(ctx, agentID, remoteID)
		}
		return d.applyRemoteUpdate(ctx, agentID, remoteID)
	case core.IsNotFound(err):
		if changeType == "deleted" {
			// Never mapped: nothing to do.
			return nil
		}
		return d.applyRemoteCreate(ctx, remoteID)
	default:
		return err
	}
}

// applyRemoteDelete removes the agent-side task and tears the mapping down.
func (d *Downloader) applyRemoteDelete(ctx context.Context, agentID, remoteID string) error {
	release, err := d.locks.Acquire(ctx, agentID)
	if err != nil {
		return err
	}
	defer release()
	return d.removeMapped(ctx, agentID, remoteID)
}

// removeMapped is the delete body. The caller holds the task's lock.
func (d *Downloader) removeMapped(ctx context.Context, agentID, remoteID string) error {
	if err := d.conscious.RemoveTask(ctx, agentID); err != nil {
		return err
	}
	if err := d.maps.UnbindByRemote(ctx, remoteID); err != nil {
		return err
	}
	d.logEvent(ctx, "remote_deleted", agentID, remoteID, nil)
	d.health.RecordSyncSuccess(time.Now())
	return nil
}

// applyRemoteCreate materializes a remote-origin task in the conscious
// state. Guarded by a per-remote-id lock so duplicate notifications cannot
// create the task twice.
func (d *Downloader) applyRemoteCreate(ctx context.Context, remoteID string) error {
	release, err := d.locks.Acquire(ctx, remoteLockPrefix+remoteID)
	if err != nil {
		return err
	}
	defer release()

	// Re-check under the lock; a concurrent notification may have bound it.
	if _, err := d.maps.ResolveAgent(ctx, remoteID); err == nil {
		return nil
	}

	remote, err := d.api.GetTask(ctx, remoteID, "")
	if err != nil {
		if errors.Is(err, core.ErrRemoteGone) {
			return nil
		}
		return err
	}

	task := adapter.ToAgent(*remote, nil, d.inverse)
	task.ID = uuid.New().String()
	if task.CreatedAt == "" {
		task.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}

	if err := d.conscious.UpsertTask(ctx, state.KeyGlobalState, d.targetList, task); err != nil {
		return err
	}
	if err := d.maps.Bind(ctx, task.ID, remoteID, remote.ETag); err != nil {
		return err
	}
	_ = d.maps.CacheRemote(ctx, *remote)

	d.logEvent(ctx, "remote_created", task.ID, remoteID, nil)
	d.health.RecordSyncSuccess(time.Now())
	return nil
}

// applyRemoteUpdate fetches the remote copy and arbitrates against the
// agent's. The conditional GET runs under the task's lock: interleaving it
// with an in-flight upload PATCH would read a stale etag and regress the
// stored one.
func (d *Downloader) applyRemoteUpdate(ctx context.Context, agentID, remoteID string) error {
	release, err := d.locks.Acquire(ctx, agentID)
	if err != nil {
		return err
	}
	defer release()

	etag, err := d.maps.ETag(ctx, remoteID)
	if err != nil {
		return err
	}

	remote, err := d.api.GetTask(ctx, remoteID, etag)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotModified):
			// Confirmed no-op: usually the echo of our own upload.
			return nil
		case errors.Is(err, core.ErrRemoteGone):
			return d.removeMapped(ctx, agentID, remoteID)
		}
		return err
	}

	entry, err := d.conscious.Find(ctx, agentID)
	if err != nil {
		if core.IsNotFound(err) {
			// Agent side already removed it; the upload pipeline's delete
			// detector owns this transition.
			return nil
		}
		return err
	}

	res := Resolve(entry.Task.UpdatedAtTime(), remote.LastModifiedTime(), d.grace, d.prefer)
	if res.Winner == WinnerAgent {
		// No download action; nudge the uploader so the remote converges.
		_ = d.maps.SetETag(ctx, remoteID, remote.ETag)
		_ = d.maps.CacheRemote(ctx, *remote)
		if d.poke != nil {
			d.poke()
		}
		d.logEvent(ctx, "conflict_agent_won", agentID, remoteID, map[string]interface{}{
			"grace_tie": res.GraceTie,
		})
		return nil
	}

	merged := MergeRemote(*remote, entry.Task, d.inverse)
	if err := d.conscious.UpsertTask(ctx, entry.Location.DocKey, entry.Location.List, merged); err != nil {
		return err
	}
	if remote.ETag != "" {
		_ = d.maps.SetETag(ctx, remoteID, remote.ETag)
	}
	_ = d.maps.CacheRemote(ctx, *remote)

	if res.GraceTie {
		d.logEvent(ctx, "conflict_remote_won", agentID, remoteID, map[string]interface{}{
			"grace_tie": true,
		})
	} else {
		d.logEvent(ctx, "remote_updated", agentID, remoteID, nil)
	}
	d.health.RecordSyncSuccess(time.Now())
	return nil
}

// reconcilePlan lists a plan's tasks and applies each as an update; mapped
// remote ids absent from the listing are treated as deletions.
func (d *Downloader) reconcilePlan(ctx context.Context, planID string) error {
	if planID == "" {
		return nil
	}
	tasks, err := d.api.ListPlanTasks(ctx, planID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.ID] = true
		if err := d.handleRemoteTask(ctx, t.ID, "updated"); err != nil {
			d.logger.Error("Failed to apply task during plan reconcile", map[string]interface{}{
				"remote_id": t.ID,
				"error":     err,
			})
		}
	}

	reverse, err := d.maps.Reverse(ctx)
	if err != nil {
		return err
	}
	for remoteID := range reverse {
		if !seen[remoteID] {
			if err := d.handleRemoteTask(ctx, remoteID, "deleted"); err != nil {
				d.logger.Error("Failed to apply deletion during plan reconcile", map[string]interface{}{
					"remote_id": remoteID,
					"error":     err,
				})
			}
		}
	}
	return nil
}

// pollLoop is the fallback when the group-activity webhook is silent or
// disabled. The cadence tracks observed activity: recently changing plans
// poll at the active interval, quiet ones back off.
func (d *Downloader) pollLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.subs != nil && d.subs.Healthy(ctx, planner.FamilyGroupActivity, webhookSilence) {
				continue
			}
			if !d.pollDue() {
				continue
			}
			d.lastPoll.Store(time.Now())
			if err := d.reconcilePlan(ctx, d.planID); err != nil {
				d.logger.Error("Poll reconcile failed", map[string]interface{}{
					"plan_id": d.planID,
					"error":   err,
				})
			}
		}
	}
}

func (d *Downloader) pollDue() bool {
	last, _ := d.lastPoll.Load().(time.Time)
	if last.IsZero() {
		return true
	}
	interval := d.cfg.PollIntervalQuiet
	if change, _ := d.lastRemoteChange.Load().(time.Time); !change.IsZero() &&
		time.Since(change) < 2*d.cfg.PollIntervalQuiet {
		interval = d.cfg.PollIntervalActive
	}
	return time.Since(last) >= interval
}

func (d *Downloader) markRemoteActivity() {
	d.lastRemoteChange.Store(time.Now())
}

func (d *Downloader) logEvent(ctx context.Context, event, agentID, remoteID string, extra map[string]interface{}) {
	if d.syncLog == nil {
		return
	}
	details := map[string]interface{}{
		"agent_id":  agentID,
		"remote_id": remoteID,
	}
	for k, v := range extra {
		details[k] = v
	}
	_ = d.syncLog.Append(ctx, event, details)
}
