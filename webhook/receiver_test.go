package webhook

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
)

type recordedLifecycle struct {
	events []planner.Notification
}

func (r *recordedLifecycle) HandleLifecycle(n planner.Notification) {
	r.events = append(r.events, n)
}

func newTestReceiver(t *testing.T, queueSize int) (*Receiver, *httptest.Server, *recordedLifecycle) {
	t.Helper()
	lc := &recordedLifecycle{}
	r := NewReceiver(core.WebhookConfig{
		ClientStatePrefix: "plannersync",
		QueueSize:         queueSize,
	}, nil, lc, &core.NoOpLogger{})

	mux := chi.NewRouter()
	r.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return r, srv, lc
}

func postBatch(t *testing.T, srv *httptest.Server, batch planner.NotificationBatch) *http.Response {
	t.Helper()
	body, err := json.Marshal(batch)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestValidationHandshake(t *testing.T) {
	_, srv, _ := newTestReceiver(t, 8)

	resp, err := http.Get(srv.URL + "/webhook?validationToken=tok-123")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "tok-123", string(body))
}

func TestValidationHandshakeViaPost(t *testing.T) {
	_, srv, _ := newTestReceiver(t, 8)

	resp, err := http.Post(srv.URL+"/webhook?validationToken=tok-456", "text/plain", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "tok-456", string(body))
}

func TestValidationMissingToken(t *testing.T) {
	_, srv, _ := newTestReceiver(t, 8)

	resp, err := http.Get(srv.URL + "/webhook")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotificationAccepted(t *testing.T) {
	r, srv, _ := newTestReceiver(t, 8)

	resp := postBatch(t, srv, planner.NotificationBatch{Value: []planner.Notification{
		{
			ChangeType:     "updated",
			Resource:       "tasks/r-1",
			ClientState:    "plannersync-group-activity",
			SubscriptionID: "sub-1",
		},
	}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case n := <-r.Notifications():
		assert.Equal(t, "tasks/r-1", n.Resource)
	default:
		t.Fatal("notification not queued")
	}
}

func TestNotificationBadClientState(t *testing.T) {
	r, srv, _ := newTestReceiver(t, 8)

	// A prefix match with a forged suffix must fail exactly like a wholly
	// wrong value; only the exact per-family secrets pass.
	for _, cs := range []string{"forged", "plannersync-evil", "plannersync-group-activity-extra"} {
		postBatch(t, srv, planner.NotificationBatch{Value: []planner.Notification{
			{Resource: "tasks/r-1", ClientState: cs},
		}})
	}

	select {
	case <-r.Notifications():
		t.Fatal("forged notification was queued")
	default:
	}
	assert.Equal(t, uint64(3), r.Rejected())
}

func TestLifecycleRouting(t *testing.T) {
	r, srv, lc := newTestReceiver(t, 8)

	resp := postBatch(t, srv, planner.NotificationBatch{Value: []planner.Notification{
		{
			ClientState:    "plannersync-chat-messages",
			SubscriptionID: "sub-2",
			LifecycleEvent: planner.LifecycleReauthorizationRequired,
		},
	}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, lc.events, 1)
	assert.Equal(t, planner.LifecycleReauthorizationRequired, lc.events[0].LifecycleEvent)

	select {
	case <-r.Notifications():
		t.Fatal("lifecycle event leaked into the resource queue")
	default:
	}
}

func TestQueueDropsOldest(t *testing.T) {
	r, srv, _ := newTestReceiver(t, 2)

	for _, res := range []string{"tasks/r-1", "tasks/r-2", "tasks/r-3"} {
		postBatch(t, srv, planner.NotificationBatch{Value: []planner.Notification{
			{Resource: res, ClientState: "plannersync-group-activity"},
		}})
	}

	assert.Equal(t, uint64(1), r.Dropped())
	first := <-r.Notifications()
	second := <-r.Notifications()
	assert.Equal(t, "tasks/r-2", first.Resource)
	assert.Equal(t, "tasks/r-3", second.Resource)
}

func TestMalformedBody(t *testing.T) {
	_, srv, _ := newTestReceiver(t, 8)

	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
