package sync

import (
	"time"

	"github.com/agentmesh/plannersync/adapter"
	"github.com/agentmesh/plannersync/planner"
)

// Winner names the side whose edit survives a conflict.
type Winner string

const (
	WinnerAgent  Winner = "agent"
	WinnerRemote Winner = "remote"
)

// Resolution is the outcome of arbitrating one conflicting pair.
type Resolution struct {
	Winner Winner
	// GraceTie is true when the timestamps were within the grace window and
	// the configured preference decided, rather than strict ordering.
	GraceTie bool
}

// Resolve arbitrates between the agent's copy and the remote copy of a
// mapped task. Timestamps within grace of each other count as a tie and go
// to prefer; otherwise the later edit wins. A missing agent timestamp
// concedes to the remote, and vice versa.
func Resolve(agentUpdated, remoteModified time.Time, grace time.Duration, prefer Winner) Resolution {
	switch {
	case agentUpdated.IsZero() && remoteModified.IsZero():
		return Resolution{Winner: prefer, GraceTie: true}
	case agentUpdated.IsZero():
		return Resolution{Winner: WinnerRemote}
	case remoteModified.IsZero():
		return Resolution{Winner: WinnerAgent}
	}

	delta := agentUpdated.Sub(remoteModified)
	if delta < 0 {
		delta = -delta
	}
	if delta <= grace {
		return Resolution{Winner: prefer, GraceTie: true}
	}
	if agentUpdated.After(remoteModified) {
		return Resolution{Winner: WinnerAgent}
	}
	return Resolution{Winner: WinnerRemote}
}

// MergeRemote applies a winning remote copy onto the agent task, copying
// only the fields the remote owns authoritatively and preserving the agent's
// own (labels, checklist, conversation, source list, created_at).
func MergeRemote(remote planner.RemoteTask, existing adapter.AgentTask, inverseUserMap map[string]string) adapter.AgentTask {
	return adapter.ToAgent(remote, &existing, inverseUserMap)
}
