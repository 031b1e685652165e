// Package webhook implements the change-notification receiver. The external
// planner validates the endpoint with a validationToken handshake at
// subscription time, then POSTs notification batches to the same path. The
// receiver answers 202 immediately and hands validated notifications to the
// download pipeline through a bounded drop-oldest queue, so a notification
// burst can never wedge the HTTP surface.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/state"
)

// maxBodyBytes caps webhook POST bodies. Notification batches are small;
// anything larger is not ours.
const maxBodyBytes = 1 << 20

// LifecycleHandler receives subscription lifecycle events. Implemented by
// the subscription manager.
type LifecycleHandler interface {
	HandleLifecycle(n planner.Notification)
}

// Receiver terminates the webhook endpoint.
type Receiver struct {
	prefix    string
	accepted  map[string]bool
	queue     chan planner.Notification
	lifecycle LifecycleHandler
	log       *state.BoundedLog
	logger    core.Logger

	dropped  atomic.Uint64
	rejected atomic.Uint64
}

// NewReceiver creates a webhook receiver. lifecycle may be nil; lifecycle
// events are then only logged.
func NewReceiver(cfg core.WebhookConfig, log *state.BoundedLog, lifecycle LifecycleHandler, logger core.Logger) *Receiver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}
	accepted := make(map[string]bool)
	for _, family := range planner.Families() {
		accepted[cfg.ClientStatePrefix+"-"+string(family)] = true
	}
	return &Receiver{
		prefix:    cfg.ClientStatePrefix,
		accepted:  accepted,
		queue:     make(chan planner.Notification, size),
		lifecycle: lifecycle,
		log:       log,
		logger:    logger.WithComponent("webhook"),
	}
}

// Notifications is the stream of validated resource notifications consumed
// by the download pipeline.
func (r *Receiver) Notifications() <-chan planner.Notification {
	return r.queue
}

// Routes mounts the webhook endpoints on a chi router.
func (r *Receiver) Routes(mux chi.Router) {
	mux.Get("/webhook", r.handleValidation)
	mux.Post("/webhook", r.handleNotifications)
}

// handleValidation answers the endpoint-ownership handshake: echo the token
// back as text/plain within the provider's deadline.
func (r *Receiver) handleValidation(w http.ResponseWriter, req *http.Request) {
	token := req.URL.Query().Get("validationToken")
	if token == "" {
		http.Error(w, "missing validationToken", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, token)

	r.logger.Info("Webhook validation handshake answered", nil)
}

func (r *Receiver) handleNotifications(w http.ResponseWriter, req *http.Request) {
	// Some providers also validate via POST with the token in the query.
	if token := req.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	var batch planner.NotificationBatch
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&batch); err != nil {
		http.Error(w, "malformed notification batch", http.StatusBadRequest)
		return
	}

	// Answer before processing; the provider penalizes slow receivers.
	w.WriteHeader(http.StatusAccepted)

	for _, n := range batch.Value {
		r.dispatch(req.Context(), n)
	}
}

func (r *Receiver) dispatch(ctx context.Context, n planner.Notification) {
	if !r.validClientState(n.ClientState) {
		r.rejected.Add(1)
		r.logger.Warn("Notification rejected: clientState mismatch", map[string]interface{}{
			"subscription_id": n.SubscriptionID,
			"resource":        n.Resource,
		})
		r.append(ctx, "rejected", n)
		return
	}

	if n.IsLifecycle() {
		r.append(ctx, "lifecycle", n)
		if r.lifecycle != nil {
			r.lifecycle.HandleLifecycle(n)
		} else {
			r.logger.Warn("Lifecycle event with no handler", map[string]interface{}{
				"event":           n.LifecycleEvent,
				"subscription_id": n.SubscriptionID,
			})
		}
		return
	}

	r.append(ctx, "received", n)
	select {
	case r.queue <- n:
	default:
		// Queue full: drop the oldest entry and keep the newest. The drift
		// reconciler repairs anything a dropped notification would have
		// delivered.
		select {
		case <-r.queue:
			r.dropped.Add(1)
		default:
		}
		select {
		case r.queue <- n:
		default:
		}
	}
}

// validClientState checks the secret the subscription was created with. The
// subscription manager mints exactly "<prefix>-<family>" per family, so only
// those exact values pass; a matching prefix with a forged suffix does not.
func (r *Receiver) validClientState(cs string) bool {
	if r.prefix == "" {
		return true
	}
	return r.accepted[cs]
}

func (r *Receiver) append(ctx context.Context, event string, n planner.Notification) {
	if r.log == nil {
		return
	}
	_ = r.log.Append(ctx, event, map[string]interface{}{
		"change_type":     n.ChangeType,
		"resource":        n.Resource,
		"subscription_id": n.SubscriptionID,
		"lifecycle":       n.LifecycleEvent,
	})
}

// Dropped returns how many notifications were shed to back-pressure.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

// Rejected returns how many notifications failed clientState validation.
func (r *Receiver) Rejected() uint64 { return r.rejected.Load() }
