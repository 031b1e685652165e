package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/plannersync/core"
)

// fakeTokens hands out static tokens and records refreshes.
type fakeTokens struct {
	refreshes atomic.Int32
}

func (f *fakeTokens) TokenForOperation(ctx context.Context, op core.OpClass) (string, error) {
	return f.TokenFor(ctx, core.KindForOperation(op))
}

func (f *fakeTokens) TokenFor(ctx context.Context, kind core.TokenKind) (string, error) {
	return "tok-" + string(kind), nil
}

func (f *fakeTokens) Refresh(ctx context.Context, kind core.TokenKind) error {
	f.refreshes.Add(1)
	return nil
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *fakeTokens) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{}
	cfg := DefaultClientConfig(srv.URL)
	// Generous pacing so tests never wait on the limiter.
	cfg.RateLimit = 10000
	cfg.RateWindow = time.Second
	c, err := NewClient(cfg, tokens)
	require.NoError(t, err)
	return c, tokens
}

func TestGetTaskCapturesETag(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/r-1", r.URL.Path)
		assert.Equal(t, "Bearer tok-delegated", r.Header.Get("Authorization"))
		w.Header().Set("ETag", `W/"v2"`)
		_ = json.NewEncoder(w).Encode(RemoteTask{ID: "r-1", Title: "Draft", PercentComplete: 50})
	}))

	task, err := c.GetTask(context.Background(), "r-1", "")
	require.NoError(t, err)
	assert.Equal(t, "r-1", task.ID)
	assert.Equal(t, `W/"v2"`, task.ETag)
	assert.Equal(t, 50, task.PercentComplete)
}

func TestGetTaskConditional(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `W/"v2"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))

	_, err := c.GetTask(context.Background(), "r-1", `W/"v2"`)
	assert.ErrorIs(t, err, core.ErrNotModified)
}

func TestUpdateTaskSendsIfMatch(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, `W/"v1"`, r.Header.Get("If-Match"))

		var patch map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		assert.Equal(t, float64(75), patch["percentComplete"])
		assert.NotContains(t, patch, "title")

		w.Header().Set("ETag", `W/"v2"`)
		w.WriteHeader(http.StatusNoContent)
	}))

	pc := 75
	task, err := c.UpdateTask(context.Background(), "r-1", TaskPatch{PercentComplete: &pc}, `W/"v1"`)
	require.NoError(t, err)
	assert.Equal(t, `W/"v2"`, task.ETag)
}

func TestUpdateTaskPreconditionFailed(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	}))

	pc := 75
	_, err := c.UpdateTask(context.Background(), "r-1", TaskPatch{PercentComplete: &pc}, `W/"stale"`)
	assert.ErrorIs(t, err, core.ErrPreconditionFailed)
}

func TestDeleteTaskNotFound(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.DeleteTask(context.Background(), "r-gone", `W/"v1"`)
	assert.ErrorIs(t, err, core.ErrRemoteGone)
}

func TestRateLimitPausesKind(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(RemoteTask{ID: "r-1"})
	}))

	_, err := c.GetTask(context.Background(), "r-1", "")
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.ErrorIs(t, err, core.ErrRateLimited)
	assert.Equal(t, time.Second, rl.RetryAfter)

	// The delegated client is paused; the next call waits out the pause.
	start := time.Now()
	_, err = c.GetTask(context.Background(), "r-1", "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestUnauthorizedRefreshesAndRetries(t *testing.T) {
	var calls atomic.Int32
	c, tokens := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(RemoteTask{ID: "r-1"})
	}))

	task, err := c.GetTask(context.Background(), "r-1", "")
	require.NoError(t, err)
	assert.Equal(t, "r-1", task.ID)
	assert.Equal(t, int32(1), tokens.refreshes.Load())
}

func TestForbiddenFallsBackToApplicationToken(t *testing.T) {
	var sawApplication atomic.Bool
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer tok-application" {
			sawApplication.Store(true)
			_ = json.NewEncoder(w).Encode(RemoteTask{ID: "r-1"})
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))

	task, err := c.GetTask(context.Background(), "r-1", "")
	require.NoError(t, err)
	assert.Equal(t, "r-1", task.ID)
	assert.True(t, sawApplication.Load())
}

func TestCreateSubscription(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions", r.URL.Path)
		// Chat subscriptions carry the application credential.
		assert.Equal(t, "Bearer tok-application", r.Header.Get("Authorization"))

		var sub Subscription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		sub.ID = "sub-1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sub)
	}))

	created, err := c.CreateSubscription(context.Background(), Subscription{
		Resource:        "chats/getAllMessages",
		ChangeType:      "created,updated",
		NotificationURL: "https://hooks.example.com/webhook",
		ClientState:     "plannersync-chat-messages",
	}, core.OpSubscriptionChat)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", created.ID)
}

func TestListPlanTasks(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plans/p-1/tasks", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []RemoteTask{{ID: "r-1"}, {ID: "r-2"}},
		})
	}))

	tasks, err := c.ListPlanTasks(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, 30*time.Second, parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("garbage"))
}
