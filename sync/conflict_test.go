package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/planner"
)

func TestResolve(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	grace := 30 * time.Second

	tests := []struct {
		name     string
		agent    time.Time
		remote   time.Time
		prefer   Winner
		want     Winner
		graceTie bool
	}{
		{
			name:   "agent clearly later wins",
			agent:  base.Add(5 * time.Minute),
			remote: base,
			prefer: WinnerRemote,
			want:   WinnerAgent,
		},
		{
			name:   "remote clearly later wins",
			agent:  base,
			remote: base.Add(5 * time.Minute),
			prefer: WinnerAgent,
			want:   WinnerRemote,
		},
		{
			name:     "within grace goes to preference",
			agent:    base.Add(10 * time.Second),
			remote:   base,
			prefer:   WinnerRemote,
			want:     WinnerRemote,
			graceTie: true,
		},
		{
			name:     "exactly at grace boundary still ties",
			agent:    base.Add(grace),
			remote:   base,
			prefer:   WinnerAgent,
			want:     WinnerAgent,
			graceTie: true,
		},
		{
			name:   "just past grace decides by order",
			agent:  base.Add(grace + time.Second),
			remote: base,
			prefer: WinnerRemote,
			want:   WinnerAgent,
		},
		{
			name:   "missing agent timestamp concedes",
			remote: base,
			prefer: WinnerAgent,
			want:   WinnerRemote,
		},
		{
			name:   "missing remote timestamp concedes",
			agent:  base,
			prefer: WinnerRemote,
			want:   WinnerAgent,
		},
		{
			name:     "both missing goes to preference",
			prefer:   WinnerRemote,
			want:     WinnerRemote,
			graceTie: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.agent, tt.remote, grace, tt.prefer)
			assert.Equal(t, tt.want, got.Winner)
			assert.Equal(t, tt.graceTie, got.GraceTie)
		})
	}
}

func TestMergeRemotePreservesAgentOwnedFields(t *testing.T) {
	existing := adapter.AgentTask{
		ID:             "agent-1",
		Title:          "old title",
		Status:         adapter.StatusInProgress,
		ConversationID: "conv-7",
		CreatedAt:      "2026-08-01T00:00:00Z",
		Labels:         []string{"deep-work"},
		ChecklistItems: []adapter.ChecklistItem{{Text: "step one", Checked: true}},
		SourceList:     "research",
	}
	remote := planner.RemoteTask{
		ID:              "rem-1",
		Title:           "new title",
		Notes:           "remote notes",
		PercentComplete: 100,
		Priority:        1,
		LastModified:    "2026-08-26T10:00:00Z",
		Assignments:     map[string]planner.Assignment{"u-alice": planner.NewAssignment()},
	}

	merged := MergeRemote(remote, existing, map[string]string{"u-alice": "alice"})

	assert.Equal(t, "agent-1", merged.ID)
	assert.Equal(t, "new title", merged.Title)
	assert.Equal(t, "remote notes", merged.Description)
	assert.Equal(t, adapter.StatusCompleted, merged.Status)
	assert.Equal(t, adapter.PriorityUrgent, merged.Priority)
	assert.Equal(t, "alice", merged.AssignedTo)
	assert.Equal(t, "2026-08-26T10:00:00Z", merged.UpdatedAt)

	assert.Equal(t, "conv-7", merged.ConversationID)
	assert.Equal(t, "2026-08-01T00:00:00Z", merged.CreatedAt)
	assert.Equal(t, []string{"deep-work"}, merged.Labels)
	assert.Equal(t, existing.ChecklistItems, merged.ChecklistItems)
	assert.Equal(t, "research", merged.SourceList)
}
