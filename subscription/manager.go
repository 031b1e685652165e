// Package subscription maintains the change-notification subscriptions the
// download pipeline depends on. One subscription per resource family; the
// manager creates them on startup, renews them before expiry, recreates any
// the provider removes, and disables families the credentials cannot cover.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/planner"
	"github.com/agentmesh/plannersync/resilience"
)

// createRetry paces subscription creation attempts within one sweep.
// Non-retryable answers (403, validation) abort immediately.
var createRetry = &resilience.RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	JitterEnabled: true,
}

// Descriptor is the Redis-resident record of one family's subscription.
type Descriptor struct {
	Family      planner.Family `json:"family"`
	Resource    string         `json:"resource"`
	ChangeTypes string         `json:"change_types"`
	ClientState string         `json:"client_state"`
	CurrentID   string         `json:"current_id"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Disabled    bool           `json:"disabled"`
	LastEventAt time.Time      `json:"last_event_at"`
}

// familySpec fixes the per-family constants: the resource path template, the
// change types, which subscribe operation class applies, and the maximum
// lifetime the provider allows.
type familySpec struct {
	resource    string
	changeTypes string
	op          core.OpClass
	maxLifetime time.Duration
}

func familySpecs(groupID string) map[planner.Family]familySpec {
	return map[planner.Family]familySpec{
		planner.FamilyGroupActivity: {
			resource:    fmt.Sprintf("groups/%s", groupID),
			changeTypes: "created,updated,deleted",
			op:          core.OpSubscriptionGroup,
			maxLifetime: 72 * time.Hour,
		},
		planner.FamilyChatMessages: {
			resource:    "chats/getAllMessages",
			changeTypes: "created,updated",
			op:          core.OpSubscriptionChat,
			maxLifetime: time.Hour,
		},
		planner.FamilyChannelMessages: {
			resource:    "teams/getAllMessages",
			changeTypes: "created,updated",
			op:          core.OpSubscriptionChannel,
			maxLifetime: time.Hour,
		},
		planner.FamilyUserMessages: {
			resource:    "users/me/messages",
			changeTypes: "created,updated",
			op:          core.OpSubscriptionUser,
			maxLifetime: 24 * time.Hour,
		},
	}
}

// renewFraction: a subscription is renewed once its remaining life falls
// under this share of the family maximum.
const renewFraction = 0.2

// checkInterval is how often the manager sweeps the desired set.
const checkInterval = time.Hour

// SubscriptionAPI is the slice of the planner client the manager uses.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sub planner.Subscription, op core.OpClass) (*planner.Subscription, error)
	RenewSubscription(ctx context.Context, id, newExpiry string, op core.OpClass) (*planner.Subscription, error)
	DeleteSubscription(ctx context.Context, id string, op core.OpClass) error
}

// Manager keeps the desired subscription set alive.
type Manager struct {
	api         SubscriptionAPI
	store       *Store
	specs       map[planner.Family]familySpec
	notifyURL   string
	statePrefix string
	clock       core.Clock
	logger      core.Logger

	interval time.Duration
	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	disabled map[planner.Family]bool
}

// NewManager creates a subscription manager. groupID scopes the
// group-activity subscription; the planner's default plan belongs to it.
func NewManager(api SubscriptionAPI, store *Store, webhookCfg core.WebhookConfig, groupID string, logger core.Logger) *Manager {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		api:         api,
		store:       store,
		specs:       familySpecs(groupID),
		notifyURL:   webhookCfg.PublicURL + "/webhook",
		statePrefix: webhookCfg.ClientStatePrefix,
		clock:       core.SystemClock{},
		logger:      logger.WithComponent("subscriptions"),
		interval:    checkInterval,
		disabled:    make(map[planner.Family]bool),
	}
}

var _ core.Component = (*Manager)(nil)

// Name implements core.Component.
func (m *Manager) Name() string { return "subscription-manager" }

// Start brings the desired set up and launches the renewal sweep.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}

	// First sweep runs inline so a broken webhook URL surfaces at startup in
	// the logs, but never blocks the supervisor: creation failures degrade to
	// polling, they are not fatal.
	m.sweep(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

// Stop halts the sweep. Subscriptions are left standing; they expire on
// their own and the next start renews or recreates them.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

// HandleLifecycle reacts to lifecycle notifications routed over from the
// webhook receiver.
func (m *Manager) HandleLifecycle(n planner.Notification) {
	family := m.familyForClientState(n.ClientState)
	if family == planner.FamilyUnknown {
		m.logger.Warn("Lifecycle event for unknown subscription", map[string]interface{}{
			"subscription_id": n.SubscriptionID,
			"event":           n.LifecycleEvent,
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch n.LifecycleEvent {
	case planner.LifecycleReauthorizationRequired:
		m.logger.Info("Reauthorization requested; renewing subscription", map[string]interface{}{
			"family": string(family),
		})
		m.renewOrRecreate(ctx, family)
	case planner.LifecycleSubscriptionRemoved:
		m.logger.Warn("Subscription removed by provider; recreating", map[string]interface{}{
			"family": string(family),
		})
		if err := m.create(ctx, family); err != nil {
			m.logger.Error("Failed to recreate removed subscription", map[string]interface{}{
				"family": string(family),
				"error":  err,
			})
		}
	}
}

// RecordEvent stamps a family's last-event time. Called by the download
// pipeline for each processed notification; the poller uses it to gate.
func (m *Manager) RecordEvent(ctx context.Context, family planner.Family) {
	if err := m.store.TouchEvent(ctx, family, m.clock.Now()); err != nil {
		m.logger.Warn("Failed to record subscription event time", map[string]interface{}{
			"family": string(family),
			"error":  err,
		})
	}
}

// Healthy reports whether a family currently has a live, recently delivering
// subscription. The polling fallback stays off while this is true.
func (m *Manager) Healthy(ctx context.Context, family planner.Family, silence time.Duration) bool {
	desc, err := m.store.Get(ctx, family)
	if err != nil || desc == nil || desc.Disabled || desc.CurrentID == "" {
		return false
	}
	if m.clock.Now().After(desc.ExpiresAt) {
		return false
	}
	return !desc.LastEventAt.IsZero() && m.clock.Now().Sub(desc.LastEventAt) < silence
}

// Statuses returns the per-family health view for the snapshot publisher.
func (m *Manager) Statuses(ctx context.Context) map[string]FamilyStatus {
	out := make(map[string]FamilyStatus, len(m.specs))
	for family := range m.specs {
		desc, err := m.store.Get(ctx, family)
		switch {
		case err != nil || desc == nil:
			out[string(family)] = FamilyStatus{Status: "missing"}
		case desc.Disabled:
			out[string(family)] = FamilyStatus{Status: "disabled", LastEventAt: desc.LastEventAt}
		case m.clock.Now().After(desc.ExpiresAt):
			out[string(family)] = FamilyStatus{Status: "expired", LastEventAt: desc.LastEventAt}
		default:
			out[string(family)] = FamilyStatus{Status: "active", LastEventAt: desc.LastEventAt}
		}
	}
	return out
}

// FamilyStatus is one family's entry in the health snapshot.
type FamilyStatus struct {
	Status      string    `json:"status"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep brings every enabled family to a live, unexpiring subscription.
func (m *Manager) sweep(ctx context.Context) {
	for family, spec := range m.specs {
		if m.isDisabled(family) {
			continue
		}

		desc, err := m.store.Get(ctx, family)
		if err != nil {
			m.logger.Error("Failed to read subscription descriptor", map[string]interface{}{
				"family": string(family),
				"error":  err,
			})
			continue
		}

		switch {
		case desc == nil || desc.CurrentID == "":
			if err := m.create(ctx, family); err != nil {
				m.logger.Error("Failed to create subscription", map[string]interface{}{
					"family": string(family),
					"error":  err,
				})
			}
		case m.needsRenewal(desc, spec):
			m.renewOrRecreate(ctx, family)
		}
	}
}

func (m *Manager) needsRenewal(desc *Descriptor, spec familySpec) bool {
	remaining := desc.ExpiresAt.Sub(m.clock.Now())
	return remaining < time.Duration(renewFraction*float64(spec.maxLifetime))
}

func (m *Manager) create(ctx context.Context, family planner.Family) error {
	spec := m.specs[family]
	expiry := m.clock.Now().Add(spec.maxLifetime)

	var created *planner.Subscription
	err := resilience.Retry(ctx, createRetry, func() error {
		var callErr error
		created, callErr = m.api.CreateSubscription(ctx, planner.Subscription{
			Resource:           spec.resource,
			ChangeType:         spec.changeTypes,
			NotificationURL:    m.notifyURL,
			ClientState:        m.clientState(family),
			ExpirationDateTime: expiry.UTC().Format(time.RFC3339),
		}, spec.op)
		return callErr
	})
	if err != nil {
		if errors.Is(err, core.ErrForbidden) {
			// The client already fell back to the other credential; a 403
			// surfacing here means both kinds were denied.
			m.disable(ctx, family)
			return fmt.Errorf("family %s denied on both credentials: %w", family, err)
		}
		return err
	}

	desc := &Descriptor{
		Family:      family,
		Resource:    spec.resource,
		ChangeTypes: spec.changeTypes,
		ClientState: m.clientState(family),
		CurrentID:   created.ID,
		ExpiresAt:   created.ExpiresAt(),
	}
	if err := m.store.Put(ctx, desc); err != nil {
		return fmt.Errorf("subscription %s created but not persisted: %w", created.ID, err)
	}

	m.logger.Info("Subscription created", map[string]interface{}{
		"family":     string(family),
		"id":         created.ID,
		"expires_at": created.ExpirationDateTime,
	})
	return nil
}

// renewOrRecreate renews in place, falling back to delete + recreate when
// the provider refuses the renewal.
func (m *Manager) renewOrRecreate(ctx context.Context, family planner.Family) {
	spec := m.specs[family]
	desc, err := m.store.Get(ctx, family)
	if err != nil || desc == nil || desc.CurrentID == "" {
		if err := m.create(ctx, family); err != nil {
			m.logger.Error("Failed to create subscription", map[string]interface{}{
				"family": string(family),
				"error":  err,
			})
		}
		return
	}

	newExpiry := m.clock.Now().Add(spec.maxLifetime).UTC().Format(time.RFC3339)
	renewed, err := m.api.RenewSubscription(ctx, desc.CurrentID, newExpiry, spec.op)
	if err == nil {
		desc.ExpiresAt = renewed.ExpiresAt()
		if err := m.store.Put(ctx, desc); err != nil {
			m.logger.Error("Renewed subscription not persisted", map[string]interface{}{
				"family": string(family),
				"error":  err,
			})
		}
		m.logger.Info("Subscription renewed", map[string]interface{}{
			"family":     string(family),
			"id":         desc.CurrentID,
			"expires_at": renewed.ExpirationDateTime,
		})
		return
	}

	m.logger.Warn("Renewal failed; recreating subscription", map[string]interface{}{
		"family": string(family),
		"id":     desc.CurrentID,
		"error":  err,
	})
	_ = m.api.DeleteSubscription(ctx, desc.CurrentID, spec.op)
	if err := m.create(ctx, family); err != nil {
		m.logger.Error("Failed to recreate subscription after renewal failure", map[string]interface{}{
			"family": string(family),
			"error":  err,
		})
	}
}

func (m *Manager) disable(ctx context.Context, family planner.Family) {
	m.mu.Lock()
	m.disabled[family] = true
	m.mu.Unlock()

	desc, _ := m.store.Get(ctx, family)
	if desc == nil {
		desc = &Descriptor{Family: family}
	}
	desc.Disabled = true
	desc.CurrentID = ""
	if err := m.store.Put(ctx, desc); err != nil {
		m.logger.Error("Failed to persist disabled family", map[string]interface{}{
			"family": string(family),
			"error":  err,
		})
	}
	m.logger.Error("Resource family disabled; polling fallback takes over", map[string]interface{}{
		"family": string(family),
	})
}

func (m *Manager) isDisabled(family planner.Family) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disabled[family]
}

func (m *Manager) clientState(family planner.Family) string {
	return m.statePrefix + "-" + string(family)
}

func (m *Manager) familyForClientState(cs string) planner.Family {
	for family := range m.specs {
		if cs == m.clientState(family) {
			return family
		}
	}
	return planner.FamilyUnknown
}
