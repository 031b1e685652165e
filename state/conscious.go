package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/core"
)

// DocClient is the slice of Redis behavior the conscious-state store needs.
// Satisfied by core.RedisClient; tests substitute a recording fake because
// miniredis does not speak the RedisJSON command family.
type DocClient interface {
	JSONGet(ctx context.Context, key, path string) (string, error)
	JSONSet(ctx context.Context, key, path string, value interface{}) error
	JSONDel(ctx context.Context, key, path string) error
	JSONArrAppend(ctx context.Context, key, path string, value interface{}) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel string, payload interface{}) error
}

var _ DocClient = (*core.RedisClient)(nil)

// OriginSync marks conscious-state writes made by the syncer itself, so the
// upload path can tell them apart from agent writes and not echo them back.
const OriginSync = "planner_sync"

// UpdateEvent is the payload published on the task-updates channel after a
// conscious-state write.
type UpdateEvent struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"` // upsert or remove
	Origin string `json:"origin"`
}

// SyncEvent is the confirmation published on the sync channel after an
// upload operation lands. Agents that want to await convergence subscribe
// here instead of polling the sync log.
type SyncEvent struct {
	OpID     string    `json:"op_id"`
	Kind     string    `json:"kind"`
	AgentID  string    `json:"agent_id"`
	RemoteID string    `json:"remote_id,omitempty"`
	Event    string    `json:"event"`
	At       time.Time `json:"at"`
}

// TaskLocation identifies where a task sits inside the conscious state: which
// document, which named list, and the array index at read time. Indexes are
// only valid until the next write to the same list.
type TaskLocation struct {
	DocKey string
	List   string
	Index  int
}

// TaskEntry pairs a task with its location.
type TaskEntry struct {
	Task     adapter.AgentTask
	Location TaskLocation
}

// ConsciousStore reads and writes the agent's task graph: the global
// conscious-state document, the per-conversation documents, and the per-task
// mirrors. All document writes are path-scoped so concurrent writers editing
// different tasks do not clobber each other.
type ConsciousStore struct {
	docs   DocClient
	logger core.Logger
}

// NewConsciousStore creates a conscious-state store.
func NewConsciousStore(docs DocClient, logger core.Logger) *ConsciousStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ConsciousStore{docs: docs, logger: logger}
}

// taskListsOf reads the task_lists member of one document. A missing document
// or member yields an empty map.
func (s *ConsciousStore) taskListsOf(ctx context.Context, docKey string) (map[string][]adapter.AgentTask, error) {
	raw, err := s.docs.JSONGet(ctx, docKey, "$.task_lists")
	if err != nil {
		if core.IsNotFound(err) {
			return map[string][]adapter.AgentTask{}, nil
		}
		return nil, err
	}

	// JSONPath replies wrap the match set in an array.
	var matches []map[string][]adapter.AgentTask
	if err := json.Unmarshal([]byte(raw), &matches); err != nil {
		return nil, fmt.Errorf("corrupt task_lists in %s: %w", docKey, err)
	}
	if len(matches) == 0 {
		return map[string][]adapter.AgentTask{}, nil
	}
	return matches[0], nil
}

// Snapshot returns every task in the conscious state keyed by task id,
// covering the global document and all conversation documents. Tasks without
// an id are skipped; they cannot be mapped.
func (s *ConsciousStore) Snapshot(ctx context.Context) (map[string]TaskEntry, error) {
	docKeys := []string{KeyGlobalState}
	convKeys, err := s.docs.ScanKeys(ctx, KeyConvPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation documents: %w", err)
	}
	docKeys = append(docKeys, convKeys...)

	snapshot := make(map[string]TaskEntry)
	for _, docKey := range docKeys {
		lists, err := s.taskListsOf(ctx, docKey)
		if err != nil {
			return nil, err
		}
		for listName, tasks := range lists {
			for i, task := range tasks {
				if task.ID == "" {
					continue
				}
				snapshot[task.ID] = TaskEntry{
					Task:     task,
					Location: TaskLocation{DocKey: docKey, List: listName, Index: i},
				}
			}
		}
	}
	return snapshot, nil
}

// Find locates a single task by id across all documents.
func (s *ConsciousStore) Find(ctx context.Context, taskID string) (*TaskEntry, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := snapshot[taskID]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	return &entry, nil
}

// listPath builds the JSONPath for a named list. List names come from agent
// input, so bracket notation with an escaped string literal is mandatory.
func listPath(list string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(list)
	return fmt.Sprintf(`$.task_lists["%s"]`, escaped)
}

// UpsertTask writes a task into the given document and list, replacing the
// existing entry with the same id or appending when new. The per-task mirror
// is refreshed and an update event is published.
func (s *ConsciousStore) UpsertTask(ctx context.Context, docKey, list string, task adapter.AgentTask) error {
	if task.ID == "" {
		return fmt.Errorf("cannot upsert task without id")
	}

	lists, err := s.taskListsOf(ctx, docKey)
	if err != nil {
		return err
	}

	path := listPath(list)
	existing, haveList := lists[list]
	if !haveList {
		if err := s.docs.JSONSet(ctx, docKey, path, []adapter.AgentTask{task}); err != nil {
			return fmt.Errorf("failed to create list %q in %s: %w", list, docKey, err)
		}
	} else {
		idx := -1
		for i, t := range existing {
			if t.ID == task.ID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if err := s.docs.JSONSet(ctx, docKey, fmt.Sprintf("%s[%d]", path, idx), task); err != nil {
				return fmt.Errorf("failed to replace task %s in %s: %w", task.ID, docKey, err)
			}
		} else {
			if err := s.docs.JSONArrAppend(ctx, docKey, path, task); err != nil {
				return fmt.Errorf("failed to append task %s to %s: %w", task.ID, docKey, err)
			}
		}
	}

	if err := s.docs.JSONSet(ctx, KeyTaskPrefix+task.ID, "$", task); err != nil {
		return fmt.Errorf("failed to refresh mirror for %s: %w", task.ID, err)
	}

	if err := s.docs.Publish(ctx, ChannelTaskUpdates, UpdateEvent{
		TaskID: task.ID,
		Action: "upsert",
		Origin: OriginSync,
	}); err != nil {
		// The write landed; a lost event only delays agent pickup until the
		// next poll.
		s.logger.Warn("Failed to publish task update", map[string]interface{}{
			"task_id": task.ID,
			"error":   err,
		})
	}

	s.logger.Debug("Conscious-state task upserted", map[string]interface{}{
		"task_id": task.ID,
		"doc":     docKey,
		"list":    list,
	})
	return nil
}

// RemoveTask deletes a task from its document and mirror and publishes a
// removal event. Removing an absent task is a no-op.
func (s *ConsciousStore) RemoveTask(ctx context.Context, taskID string) error {
	entry, err := s.Find(ctx, taskID)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}

	path := fmt.Sprintf("%s[%d]", listPath(entry.Location.List), entry.Location.Index)
	if err := s.docs.JSONDel(ctx, entry.Location.DocKey, path); err != nil {
		return fmt.Errorf("failed to remove task %s from %s: %w", taskID, entry.Location.DocKey, err)
	}
	if err := s.docs.JSONDel(ctx, KeyTaskPrefix+taskID, "$"); err != nil {
		return fmt.Errorf("failed to remove mirror for %s: %w", taskID, err)
	}

	if err := s.docs.Publish(ctx, ChannelTaskUpdates, UpdateEvent{
		TaskID: taskID,
		Action: "remove",
		Origin: OriginSync,
	}); err != nil {
		s.logger.Warn("Failed to publish task removal", map[string]interface{}{
			"task_id": taskID,
			"error":   err,
		})
	}

	s.logger.Debug("Conscious-state task removed", map[string]interface{}{
		"task_id": taskID,
		"doc":     entry.Location.DocKey,
	})
	return nil
}

// TouchUpdatedAt stamps a task's updated_at in place. Used by the downloader
// after a merge so the agent side sees fresh modification times.
func (s *ConsciousStore) TouchUpdatedAt(ctx context.Context, entry TaskEntry, at time.Time) error {
	path := fmt.Sprintf("%s[%d].updated_at", listPath(entry.Location.List), entry.Location.Index)
	return s.docs.JSONSet(ctx, entry.Location.DocKey, path, at.UTC().Format(time.RFC3339))
}
