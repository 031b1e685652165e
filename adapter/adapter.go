// Package adapter translates between the agent-native nested task
// representation held in the conscious state and the flat task shape the
// external planner consumes. All translation is pure; identity mappings live
// in the state package.
package adapter

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/plannersync/planner"
)

// Agent task status values.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Agent task priority values.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// DefaultSourceList is the sub-list remote-origin tasks are filed under.
const DefaultSourceList = "planner_sync"

// AgentTask is a task as it lives inside the conscious-state document.
type AgentTask struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status"`
	PercentComplete float64         `json:"percent_complete"`
	Priority        string          `json:"priority,omitempty"`
	AssignedTo      string          `json:"assigned_to,omitempty"`
	DueDate         string          `json:"due_date,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	UpdatedAt       string          `json:"updated_at,omitempty"`
	ConversationID  string          `json:"conversation_id,omitempty"`
	PlanHint        string          `json:"plan_hint,omitempty"`
	Labels          []string        `json:"labels,omitempty"`
	ChecklistItems  []ChecklistItem `json:"checklist_items,omitempty"`
	SourceList      string          `json:"source_list,omitempty"`
}

// ChecklistItem is one entry of an agent task's checklist.
type ChecklistItem struct {
	Text    string `json:"text"`
	Checked bool   `json:"checked"`
}

// UpdatedAtTime parses the task's updated_at timestamp. The zero time is
// returned when absent or malformed.
func (t AgentTask) UpdatedAtTime() time.Time {
	if t.UpdatedAt == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, t.UpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// The numeric priority values follow the external planner's convention and
// are treated as opaque constants; both direction tables live here so a
// tenant recalibration is a one-file change.
var priorityToRemote = map[string]int{
	PriorityUrgent: 1,
	PriorityHigh:   3,
	PriorityNormal: 5,
	PriorityLow:    9,
}

// PriorityToRemote maps an agent priority to the remote integer. Unknown
// values map like normal.
func PriorityToRemote(p string) int {
	if v, ok := priorityToRemote[p]; ok {
		return v
	}
	return priorityToRemote[PriorityNormal]
}

// PriorityFromRemote inverse-maps a remote priority integer.
func PriorityFromRemote(p int) string {
	switch {
	case p <= 2:
		return PriorityUrgent
	case p == 3:
		return PriorityHigh
	case p <= 6:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// PercentToRemote converts the agent's 0.0-1.0 completion fraction to the
// remote 0-100 integer, rounding half away from zero and clamping.
func PercentToRemote(f float64) int {
	v := int(math.Round(f * 100))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// NormalizeDueDate converts an agent due_date (bare ISO date or full ISO
// datetime) to the remote dueDateTime form. Empty input stays empty, meaning
// the field is omitted.
func NormalizeDueDate(d string) string {
	if d == "" {
		return ""
	}
	if strings.Contains(d, "T") {
		if strings.HasSuffix(d, "Z") || hasOffset(d) {
			return d
		}
		return d + "Z"
	}
	return d + "T00:00:00Z"
}

// hasOffset reports whether a datetime string carries an explicit UTC
// offset, e.g. 2025-10-24T23:00:00+02:00.
func hasOffset(d string) bool {
	idx := strings.Index(d, "T")
	rest := d[idx+1:]
	return strings.ContainsAny(rest, "+") || strings.Count(rest, "-") > 0
}

// StatusFromPercent derives the agent status from a remote completion
// percentage.
func StatusFromPercent(pc int) string {
	switch {
	case pc <= 0:
		return StatusNotStarted
	case pc >= 100:
		return StatusCompleted
	default:
		return StatusInProgress
	}
}

// ToRemote translates an agent task into the remote shape for the owning
// plan and bucket. Labels, checklist items, source_list and conversation_id
// are never forwarded; both sides maintain their own.
func ToRemote(task AgentTask, planID, bucketID string, userIDMap map[string]string) (planner.RemoteTask, error) {
	if strings.TrimSpace(task.Title) == "" {
		return planner.RemoteTask{}, fmt.Errorf("agent task %s has empty title", task.ID)
	}

	percent := PercentToRemote(task.PercentComplete)
	switch task.Status {
	case StatusCompleted:
		percent = 100
	case StatusInProgress:
		// An in-progress task whose fraction was never set still needs to
		// read as started on the remote side.
		if percent == 0 {
			percent = 50
		}
	}

	remote := planner.RemoteTask{
		PlanID:          planID,
		BucketID:        bucketID,
		Title:           task.Title,
		Notes:           task.Description,
		PercentComplete: percent,
		Priority:        PriorityToRemote(task.Priority),
		DueDateTime:     NormalizeDueDate(task.DueDate),
	}

	if task.AssignedTo != "" {
		if userID, ok := userIDMap[task.AssignedTo]; ok {
			remote.Assignments = map[string]planner.Assignment{
				userID: planner.NewAssignment(),
			}
		}
	}

	return remote, nil
}

// ToAgent translates a remote task into the agent shape. When existing is
// non-nil an update is being applied: agent-owned fields (labels, checklist,
// conversation, source list, created_at) are preserved from it.
func ToAgent(remote planner.RemoteTask, existing *AgentTask, inverseUserMap map[string]string) AgentTask {
	task := AgentTask{
		Title:           remote.Title,
		Description:     remote.Notes,
		PercentComplete: float64(remote.PercentComplete) / 100,
		Status:          StatusFromPercent(remote.PercentComplete),
		Priority:        PriorityFromRemote(remote.Priority),
		DueDate:         remote.DueDateTime,
		AssignedTo:      firstAssignee(remote.Assignments, inverseUserMap),
		SourceList:      DefaultSourceList,
	}

	if remote.LastModified != "" {
		task.UpdatedAt = remote.LastModified
	}

	if existing != nil {
		task.ID = existing.ID
		task.CreatedAt = existing.CreatedAt
		task.ConversationID = existing.ConversationID
		task.PlanHint = existing.PlanHint
		task.Labels = existing.Labels
		task.ChecklistItems = existing.ChecklistItems
		if existing.SourceList != "" {
			task.SourceList = existing.SourceList
		}
	}

	return task
}

// firstAssignee maps the first (lexicographically smallest, for determinism)
// remote assignee back through the inverse user table.
func firstAssignee(assignments map[string]planner.Assignment, inverse map[string]string) string {
	if len(assignments) == 0 {
		return ""
	}
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if name, ok := inverse[ids[0]]; ok {
		return name
	}
	return ""
}

// InvertUserMap builds the remote-user-id to agent-identifier table from the
// configured forward map.
func InvertUserMap(forward map[string]string) map[string]string {
	inverse := make(map[string]string, len(forward))
	for name, id := range forward {
		inverse[id] = name
	}
	return inverse
}
