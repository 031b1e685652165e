package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
)

// Operation kinds pushed through the pending queue.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation is one queued upload unit of work. Operations survive restarts:
// they live in a Redis list, not in process memory.
type Operation struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	AgentID    string             `json:"agent_id"`
	RemoteID   string             `json:"remote_id,omitempty"`
	Changed    []string           `json:"changed,omitempty"`
	Task       *adapter.AgentTask `json:"task,omitempty"`
	Attempt    int                `json:"attempt"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	LastError  string             `json:"last_error,omitempty"`
}

// NewOperation builds an operation with a fresh id and timestamp.
func NewOperation(kind, agentID string) Operation {
	return Operation{
		ID:         uuid.New().String(),
		Kind:       kind,
		AgentID:    agentID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// OpQueue is the durable pending-operation queue plus the bounded dead-letter
// list for operations that exhausted their retries.
type OpQueue struct {
	rc     *core.RedisClient
	logger core.Logger
}

// NewOpQueue creates an operation queue.
func NewOpQueue(rc *core.RedisClient, logger core.Logger) *OpQueue {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &OpQueue{rc: rc, logger: logger}
}

// Enqueue pushes an operation onto the pending queue.
func (q *OpQueue) Enqueue(ctx context.Context, op Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation %s: %w", op.ID, err)
	}
	if err := q.rc.Client().LPush(ctx, q.rc.Key(KeyPendingOps), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue operation %s: %w", op.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next pending operation. Returns nil
// with no error when the timeout elapses empty.
func (q *OpQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Operation, error) {
	res, err := q.rc.Client().BRPop(ctx, timeout, q.rc.Key(KeyPendingOps)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue operation: %w", err)
	}
	// BRPOP returns [key, value].
	var op Operation
	if err := json.Unmarshal([]byte(res[1]), &op); err != nil {
		return nil, fmt.Errorf("corrupt pending operation: %w", err)
	}
	return &op, nil
}

// PendingDepth returns the number of queued operations.
func (q *OpQueue) PendingDepth(ctx context.Context) (int64, error) {
	return q.rc.Client().LLen(ctx, q.rc.Key(KeyPendingOps)).Result()
}

// Fail moves an exhausted operation to the bounded dead-letter list.
func (q *OpQueue) Fail(ctx context.Context, op Operation, cause error) error {
	if cause != nil {
		op.LastError = cause.Error()
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize failed operation %s: %w", op.ID, err)
	}

	pipe := q.rc.Client().TxPipeline()
	pipe.LPush(ctx, q.rc.Key(KeyFailedOps), data)
	pipe.LTrim(ctx, q.rc.Key(KeyFailedOps), 0, FailedOpsMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record failed operation %s: %w", op.ID, err)
	}

	q.logger.Warn("Operation moved to dead-letter list", map[string]interface{}{
		"op_id":    op.ID,
		"kind":     op.Kind,
		"agent_id": op.AgentID,
		"attempt":  op.Attempt,
		"error":    op.LastError,
	})
	return nil
}

// FailedDepth returns the number of dead-lettered operations.
func (q *OpQueue) FailedDepth(ctx context.Context) (int64, error) {
	return q.rc.Client().LLen(ctx, q.rc.Key(KeyFailedOps)).Result()
}

// Failed returns the most recent dead-lettered operations, newest first.
func (q *OpQueue) Failed(ctx context.Context, limit int64) ([]Operation, error) {
	entries, err := q.rc.Client().LRange(ctx, q.rc.Key(KeyFailedOps), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter list: %w", err)
	}
	ops := make([]Operation, 0, len(entries))
	for _, e := range entries {
		var op Operation
		if err := json.Unmarshal([]byte(e), &op); err != nil {
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// BoundedLog is an LPUSH+LTRIM capped list used for the sync and webhook
// diagnostic logs.
type BoundedLog struct {
	rc  *core.RedisClient
	key string
	max int64
}

// NewBoundedLog creates a capped log over the given key.
func NewBoundedLog(rc *core.RedisClient, key string, max int64) *BoundedLog {
	return &BoundedLog{rc: rc, key: key, max: max}
}

// LogEntry is one diagnostic record.
type LogEntry struct {
	At      time.Time              `json:"at"`
	Event   string                 `json:"event"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Append records an event, trimming the log to its bound.
func (l *BoundedLog) Append(ctx context.Context, event string, details map[string]interface{}) error {
	data, err := json.Marshal(LogEntry{At: time.Now().UTC(), Event: event, Details: details})
	if err != nil {
		return fmt.Errorf("failed to serialize log entry: %w", err)
	}
	pipe := l.rc.Client().TxPipeline()
	pipe.LPush(ctx, l.rc.Key(l.key), data)
	pipe.LTrim(ctx, l.rc.Key(l.key), 0, l.max-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns the newest entries, newest first.
func (l *BoundedLog) Recent(ctx context.Context, limit int64) ([]LogEntry, error) {
	raw, err := l.rc.Client().LRange(ctx, l.rc.Key(l.key), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.key, err)
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, e := range raw {
		var entry LogEntry
		if err := json.Unmarshal([]byte(e), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the current log length.
func (l *BoundedLog) Len(ctx context.Context) (int64, error) {
	return l.rc.Client().LLen(ctx, l.rc.Key(l.key)).Result()
}
