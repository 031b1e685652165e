package sync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// maxOpAttempts bounds transient retries per operation before it is moved
// to the dead-letter list. Rate-limit requeues do not count.
const maxOpAttempts = 5

// TaskAPI is the slice of the planner client the pipelines use.
type TaskAPI interface {
	GetTask(ctx context.Context, id, ifNoneMatch string) (*planner.RemoteTask, error)
	CreateTask(ctx context.Context, task planner.RemoteTask) (*planner.RemoteTask, error)
	UpdateTask(ctx context.Context, id string, patch planner.TaskPatch, etag string) (*planner.RemoteTask, error)
	DeleteTask(ctx context.Context, id, etag string) error
	ListPlanTasks(ctx context.Context, planID string) ([]planner.RemoteTask, error)
}

// BucketResolver finds the landing bucket for creates routed to a plan other
// than the configured default. Implemented by the metadata resolver.
type BucketResolver interface {
	FirstBucket(ctx context.Context, planID string) (planner.Bucket, error)
}

// HealthRecorder receives pipeline health signals. Implemented by the
// health tracker; a no-op stand-in keeps tests small.
type HealthRecorder interface {
	RecordSyncSuccess(at time.Time)
	SetDegraded(degraded bool)
}

// NoOpHealth discards health signals.
type NoOpHealth struct{}

func (NoOpHealth) RecordSyncSuccess(time.Time) {}
func (NoOpHealth) SetDegraded(bool)            {}

// Uploader pushes agent-side edits to the planner. Change signals arrive
// from keyspace notifications, the task-updates channel and a drift timer;
// they are debounced into snapshot diffs whose operations a worker pool
// drains from the durable pending queue.
type Uploader struct {
	cfg       core.SyncConfig
	api       TaskAPI
	conscious *state.ConsciousStore
	maps      *state.MappingStore
	queue     *state.OpQueue
	differ    *Differ
	locks     *KeyedLocks
	syncLog   *state.BoundedLog
	rc        *core.RedisClient
	health    HealthRecorder
	resolver  BucketResolver
	logger    core.Logger

	planID    string
	bucketID  string
	userIDMap map[string]string

	signals chan struct{}
	running atomic.Bool
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// NewUploader wires the upload pipeline.
func NewUploader(
	cfg core.SyncConfig,
	plannerCfg core.PlannerConfig,
	api TaskAPI,
	conscious *state.ConsciousStore,
	maps *state.MappingStore,
	queue *state.OpQueue,
	syncLog *state.BoundedLog,
	rc *core.RedisClient,
	health HealthRecorder,
	logger core.Logger,
) *Uploader {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if health == nil {
		health = NoOpHealth{}
	}
	return &Uploader{
		cfg:       cfg,
		api:       api,
		conscious: conscious,
		maps:      maps,
		queue:     queue,
		differ:    NewDiffer(maps, plannerCfg.DefaultPlanID, plannerCfg.DefaultBucketID, plannerCfg.UserIDMap, cfg.DriftInterval, logger),
		locks:     NewKeyedLocks(),
		syncLog:   syncLog,
		rc:        rc,
		health:    health,
		logger:    logger.WithComponent("uploader"),
		planID:    plannerCfg.DefaultPlanID,
		bucketID:  plannerCfg.DefaultBucketID,
		userIDMap: plannerCfg.UserIDMap,
		signals:   make(chan struct{}, 1),
	}
}

var _ core.Component = (*Uploader)(nil)

// Name implements core.Component.
func (u *Uploader) Name() string { return "uploader" }

// Locks exposes the per-task lock table so the download pipeline serializes
// against in-flight uploads for the same task.
func (u *Uploader) Locks() *KeyedLocks { return u.locks }

// SetBucketResolver attaches the bucket lookup used for plan-hinted creates.
// Must be called before Start; without it hinted creates land bucketless.
func (u *Uploader) SetBucketResolver(resolver BucketResolver) {
	u.resolver = resolver
}

// Start launches the trigger listeners, the debouncer, the drift timer and
// the worker pool.
func (u *Uploader) Start(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel

	// Keyspace events need server-side opt-in. Best effort: a locked-down
	// server still syncs through the channel and drift triggers.
	if err := u.rc.Client().ConfigSet(runCtx, "notify-keyspace-events", "K$A").Err(); err != nil {
		u.logger.Warn("Could not enable keyspace notifications; relying on channel and drift triggers", map[string]interface{}{
			"error": err,
		})
	}

	u.wg.Add(1)
	go u.listenKeyspace(runCtx)
	u.wg.Add(1)
	go u.listenUpdates(runCtx)
	u.wg.Add(1)
	go u.debounceLoop(runCtx)
	u.wg.Add(1)
	go u.driftLoop(runCtx)

	workers := u.cfg.UploadWorkers
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker(runCtx)
	}
	return nil
}

// Stop drains the pipeline within the supervisor's grace period.
func (u *Uploader) Stop(ctx context.Context) error {
	if !u.running.CompareAndSwap(true, false) {
		return nil
	}
	u.cancel()
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poke schedules a diff pass. Called by the conflict resolver when the
// agent side wins and the remote must converge.
func (u *Uploader) Poke() {
	select {
	case u.signals <- struct{}{}:
	default:
	}
}

func (u *Uploader) listenKeyspace(ctx context.Context) {
	defer u.wg.Done()
	sub := u.rc.Client().PSubscribe(ctx,
		"__keyspace@*__:"+u.rc.Key(state.KeyGlobalState),
		"__keyspace@*__:"+u.rc.Key(state.KeyConvPrefix)+"*",
	)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			u.Poke()
		}
	}
}

func (u *Uploader) listenUpdates(ctx context.Context) {
	defer u.wg.Done()
	sub := u.rc.Client().Subscribe(ctx, u.rc.Key(state.ChannelTaskUpdates))
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev state.UpdateEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			// Our own write-backs must not echo into uploads.
			if ev.Origin == state.OriginSync {
				continue
			}
			u.Poke()
		}
	}
}

// debounceLoop folds change signals: a diff runs no sooner than DebounceMin
// after the first unserviced signal and no later than DebounceMax.
func (u *Uploader) debounceLoop(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.signals:
		}

		deadline := time.After(u.cfg.DebounceMax)
		quiet := time.NewTimer(u.cfg.DebounceMin)
	fold:
		for {
			select {
			case <-ctx.Done():
				quiet.Stop()
				return
			case <-u.signals:
				// More activity: restart the quiet timer, bounded by the
				// deadline.
				if !quiet.Stop() {
					<-quiet.C
				}
				quiet.Reset(u.cfg.DebounceMin)
			case <-quiet.C:
				break fold
			case <-deadline:
				quiet.Stop()
				break fold
			}
		}

		u.runDiff(ctx)
	}
}

func (u *Uploader) driftLoop(ctx context.Context) {
	defer u.wg.Done()
	ticker := time.NewTicker(u.cfg.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := u.queue.PendingDepth(ctx)
			if err == nil && depth > int64(u.cfg.PendingSoftLimit) {
				u.health.SetDegraded(true)
				u.logger.Warn("Pending queue over soft limit; skipping drift tick", map[string]interface{}{
					"depth": depth,
					"limit": u.cfg.PendingSoftLimit,
				})
				continue
			}
			u.health.SetDegraded(false)
			u.runDiff(ctx)
		}
	}
}

// runDiff snapshots the conscious state and enqueues the edit set.
func (u *Uploader) runDiff(ctx context.Context) {
	snapshot, err := u.conscious.Snapshot(ctx)
	if err != nil {
		u.logger.Error("Snapshot failed", map[string]interface{}{"error": err})
		return
	}
	diff, err := u.differ.Compute(ctx, snapshot)
	if err != nil {
		u.logger.Error("Diff failed", map[string]interface{}{"error": err})
		return
	}
	if diff.Empty() {
		return
	}

	for _, task := range diff.Creates {
		op := state.NewOperation(state.OpCreate, task.ID)
		u.enqueue(ctx, op)
	}
	for _, upd := range diff.Updates {
		op := state.NewOperation(state.OpUpdate, upd.Task.ID)
		op.RemoteID = upd.RemoteID
		op.Changed = upd.Fields
		u.enqueue(ctx, op)
	}
	for _, del := range diff.Deletes {
		op := state.NewOperation(state.OpDelete, del.AgentID)
		op.RemoteID = del.RemoteID
		u.enqueue(ctx, op)
	}

	u.logger.Debug("Diff enqueued", map[string]interface{}{
		"creates": len(diff.Creates),
		"updates": len(diff.Updates),
		"deletes": len(diff.Deletes),
	})
}

func (u *Uploader) enqueue(ctx context.Context, op state.Operation) {
	if err := u.queue.Enqueue(ctx, op); err != nil {
		u.logger.Error("Failed to enqueue operation", map[string]interface{}{
			"op_id": op.ID,
			"kind":  op.Kind,
			"error": err,
		})
	}
}

func (u *Uploader) worker(ctx context.Context) {
	defer u.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		op, err := u.queue.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			u.logger.Error("Dequeue failed", map[string]interface{}{"error": err})
			time.Sleep(time.Second)
			continue
		}
		if op == nil {
			continue
		}
		u.process(ctx, *op)
	}
}

// process executes one operation under the task's lock. A failing operation
// never takes the worker down with it.
func (u *Uploader) process(ctx context.Context, op state.Operation) {
	release, err := u.locks.Acquire(ctx, op.AgentID)
	if err != nil {
		return
	}
	defer release()

	switch op.Kind {
	case state.OpCreate:
		err = u.runCreate(ctx, &op)
	case state.OpUpdate:
		err = u.runUpdate(ctx, &op)
	case state.OpDelete:
		err = u.runDelete(ctx, &op)
	default:
		u.logger.Error("Unknown operation kind", map[string]interface{}{"kind": op.Kind})
		return
	}
	if err == nil {
		u.health.RecordSyncSuccess(time.Now())
		return
	}
	u.dispose(ctx, op, err)
}

// dispose routes a failed operation per the error taxonomy.
func (u *Uploader) dispose(ctx context.Context, op state.Operation, err error) {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		// The client is paused; requeue without consuming budget.
		op.Attempt++
		u.logSync(ctx, "rate_limited", op, err)
		u.enqueue(ctx, op)
	case errors.Is(err, core.ErrValidation):
		u.logSync(ctx, "rejected", op, err)
		_ = u.queue.Fail(ctx, op, err)
	case core.IsRetryable(err):
		op.Attempt++
		if op.Attempt >= maxOpAttempts {
			u.logSync(ctx, "exhausted", op, err)
			_ = u.queue.Fail(ctx, op, err)
			return
		}
		u.backoff(ctx, op.Attempt)
		u.enqueue(ctx, op)
	default:
		u.logSync(ctx, "failed", op, err)
		_ = u.queue.Fail(ctx, op, err)
	}
}

// runCreate posts a new remote task and binds the mapping.
func (u *Uploader) runCreate(ctx context.Context, op *state.Operation) error {
	if _, err := u.maps.ResolveRemote(ctx, op.AgentID); err == nil {
		// Already bound by an earlier attempt or a webhook race.
		return nil
	}

	entry, err := u.conscious.Find(ctx, op.AgentID)
	if err != nil {
		if core.IsNotFound(err) {
			// Task vanished before it was ever pushed.
			return nil
		}
		return err
	}

	planID, bucketID := u.planID, u.bucketID
	if hint := entry.Task.PlanHint; hint != "" && hint != u.planID {
		// A task-embedded plan overrides the configured default; the default
		// bucket belongs to the default plan, so resolve the hinted plan's.
		planID, bucketID = hint, ""
		if u.resolver != nil {
			bucket, err := u.resolver.FirstBucket(ctx, hint)
			if err != nil {
				return err
			}
			bucketID = bucket.ID
		}
	}

	remote, err := adapter.ToRemote(entry.Task, planID, bucketID, u.userIDMap)
	if err != nil {
		return core.ErrValidation
	}

	created, err := u.api.CreateTask(ctx, remote)
	if err != nil {
		return err
	}

	if err := u.maps.Bind(ctx, op.AgentID, created.ID, created.ETag); err != nil {
		return err
	}
	_ = u.maps.CacheRemote(ctx, *created)
	u.logSync(ctx, "created", *op, nil)
	return nil
}

// runUpdate patches a mapped task, rebasing once on an ETag conflict.
func (u *Uploader) runUpdate(ctx context.Context, op *state.Operation) error {
	entry, err := u.conscious.Find(ctx, op.AgentID)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}

	// Rebuild the patch from current state so queued duplicates coalesce to
	// the latest edit.
	patch, _, err := u.differ.buildPatch(ctx, entry.Task, op.RemoteID)
	if err != nil {
		return err
	}
	if patch.IsEmpty() {
		return nil
	}

	etag, err := u.maps.ETag(ctx, op.RemoteID)
	if err != nil {
		return err
	}
	if etag == "" {
		fresh, err := u.api.GetTask(ctx, op.RemoteID, "")
		if err != nil {
			return u.handleGone(ctx, op, err)
		}
		etag = fresh.ETag
		_ = u.maps.SetETag(ctx, op.RemoteID, etag)
		_ = u.maps.CacheRemote(ctx, *fresh)
	}

	updated, err := u.api.UpdateTask(ctx, op.RemoteID, patch, etag)
	if errors.Is(err, core.ErrPreconditionFailed) {
		return u.rebaseAndRetry(ctx, op, entry.Task)
	}
	if err != nil {
		return u.handleGone(ctx, op, err)
	}

	return u.commitUpdate(ctx, op, patch, updated.ETag)
}

// rebaseAndRetry refetches the remote, rebases the patch onto it and issues
// the PATCH once more. A second conflict is left to the download pipeline's
// conflict resolver; the fresh fetch has already updated the cache it reads.
func (u *Uploader) rebaseAndRetry(ctx context.Context, op *state.Operation, task adapter.AgentTask) error {
	fresh, err := u.api.GetTask(ctx, op.RemoteID, "")
	if err != nil {
		return u.handleGone(ctx, op, err)
	}
	_ = u.maps.SetETag(ctx, op.RemoteID, fresh.ETag)
	_ = u.maps.CacheRemote(ctx, *fresh)

	patch, _, err := u.differ.buildPatch(ctx, task, op.RemoteID)
	if err != nil {
		return err
	}
	// Against the fresh copy the diff also flags fields the remote changed.
	// Reapply only what this operation carried; remote-side edits belong to
	// the download path.
	patch = restrictPatch(patch, op.Changed)
	if patch.IsEmpty() {
		return nil
	}

	updated, err := u.api.UpdateTask(ctx, op.RemoteID, patch, fresh.ETag)
	if errors.Is(err, core.ErrPreconditionFailed) {
		u.logSync(ctx, "conflict_demoted", *op, err)
		return nil
	}
	if err != nil {
		return u.handleGone(ctx, op, err)
	}
	return u.commitUpdate(ctx, op, patch, updated.ETag)
}

func (u *Uploader) commitUpdate(ctx context.Context, op *state.Operation, patch planner.TaskPatch, newETag string) error {
	if newETag != "" {
		if err := u.maps.SetETag(ctx, op.RemoteID, newETag); err != nil {
			return err
		}
	}
	if cached, err := u.maps.CachedRemote(ctx, op.RemoteID); err == nil && cached != nil {
		applyPatch(cached, patch)
		cached.ETag = newETag
		_ = u.maps.CacheRemote(ctx, *cached)
	}
	if err := u.maps.TouchLastUpload(ctx, op.AgentID, time.Now()); err != nil {
		return err
	}
	u.logSync(ctx, "updated", *op, nil)
	return nil
}

// runDelete issues a conditional delete and unbinds.
func (u *Uploader) runDelete(ctx context.Context, op *state.Operation) error {
	if op.RemoteID == "" {
		// Already unmapped: nothing to delete.
		return nil
	}
	etag, err := u.maps.ETag(ctx, op.RemoteID)
	if err != nil {
		return err
	}
	if etag == "" {
		fresh, err := u.api.GetTask(ctx, op.RemoteID, "")
		if err != nil {
			if errors.Is(err, core.ErrRemoteGone) {
				return u.teardown(ctx, op)
			}
			return err
		}
		etag = fresh.ETag
	}

	if err := u.api.DeleteTask(ctx, op.RemoteID, etag); err != nil {
		if errors.Is(err, core.ErrRemoteGone) {
			return u.teardown(ctx, op)
		}
		return err
	}
	if err := u.maps.UnbindByAgent(ctx, op.AgentID); err != nil {
		return err
	}
	u.logSync(ctx, "deleted", *op, nil)
	return nil
}

// handleGone converts a 404 on a mutate target into mapping teardown; other
// errors pass through.
func (u *Uploader) handleGone(ctx context.Context, op *state.Operation, err error) error {
	if errors.Is(err, core.ErrRemoteGone) {
		return u.teardown(ctx, op)
	}
	return err
}

func (u *Uploader) teardown(ctx context.Context, op *state.Operation) error {
	if err := u.maps.UnbindByAgent(ctx, op.AgentID); err != nil {
		return err
	}
	u.logSync(ctx, "remote_gone", *op, nil)
	return nil
}

// backoff holds the worker for min(2^attempt, 300) seconds plus jitter.
// Shutdown cuts the wait short; the caller still requeues the op so it
// survives the restart.
func (u *Uploader) backoff(ctx context.Context, attempt int) {
	d := time.Duration(math.Min(math.Exp2(float64(attempt)), 300)) * time.Second
	d += time.Duration(rand.Int63n(int64(d / 4)))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (u *Uploader) logSync(ctx context.Context, event string, op state.Operation, cause error) {
	if cause == nil && u.rc != nil {
		_ = u.rc.Publish(ctx, state.ChannelSync, state.SyncEvent{
			OpID:     op.ID,
			Kind:     op.Kind,
			AgentID:  op.AgentID,
			RemoteID: op.RemoteID,
			Event:    event,
			At:       time.Now().UTC(),
		})
	}
	if u.syncLog == nil {
		return
	}
	details := map[string]interface{}{
		"op_id":     op.ID,
		"kind":      op.Kind,
		"agent_id":  op.AgentID,
		"remote_id": op.RemoteID,
		"attempt":   op.Attempt,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	_ = u.syncLog.Append(ctx, event, details)
}

// restrictPatch drops patch fields outside the given set. An empty set keeps
// the patch whole.
func restrictPatch(patch planner.TaskPatch, fields []string) planner.TaskPatch {
	if len(fields) == 0 {
		return patch
	}
	keep := make(map[string]bool, len(fields))
	for _, f := range fields {
		keep[f] = true
	}
	if !keep["title"] {
		patch.Title = nil
	}
	if !keep["description"] {
		patch.Notes = nil
	}
	if !keep["percent_complete"] {
		patch.PercentComplete = nil
	}
	if !keep["priority"] {
		patch.Priority = nil
	}
	if !keep["due_date"] {
		patch.DueDateTime = nil
	}
	if !keep["assigned_to"] {
		patch.Assignments = nil
	}
	return patch
}

// applyPatch folds a successful PATCH into the cached remote copy.
func applyPatch(cached *planner.RemoteTask, patch planner.TaskPatch) {
	if patch.Title != nil {
		cached.Title = *patch.Title
	}
	if patch.Notes != nil {
		cached.Notes = *patch.Notes
	}
	if patch.PercentComplete != nil {
		cached.PercentComplete = *patch.PercentComplete
	}
	if patch.Priority != nil {
		cached.Priority = *patch.Priority
	}
	if patch.DueDateTime != nil {
		cached.DueDateTime = *patch.DueDateTime
	}
	if patch.Assignments != nil {
		cached.Assignments = *patch.Assignments
	}
	if patch.BucketID != nil {
		cached.BucketID = *patch.BucketID
	}
}
