// Package auth implements the dual-credential token service. The syncer
// holds two independent credentials against the same identity provider: a
// delegated token minted from a service-account password grant, and an
// application token minted from the client-credentials grant. Which calls
// need which credential is decided by core.KindForOperation; this package
// only mints, caches and refreshes.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/state"
)

// cachePadding is subtracted from the provider TTL when caching, so a token
// read from cache always has usable life left.
const cachePadding = 5 * time.Minute

// maxRefreshBackoff caps the retry delay after consecutive mint failures.
const maxRefreshBackoff = 5 * time.Minute

// mfaRetryInterval is how long delegated minting is held after an MFA
// challenge before the password grant is attempted again. An operator
// exempting the service account out of band then recovers without a restart.
const mfaRetryInterval = 15 * time.Minute

// cachedToken is the Redis-resident form of a minted token.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Kind        string    `json:"kind"`
}

// TokenService mints and caches both credential kinds. Concurrent callers
// needing the same kind collapse onto a single mint via singleflight; every
// instance sharing the Redis cache reuses each other's tokens.
type TokenService struct {
	cfg    core.AuthConfig
	rc     *core.RedisClient
	clock  core.Clock
	logger core.Logger

	group   singleflight.Group
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	failures    map[core.TokenKind]int
	nextAttempt map[core.TokenKind]time.Time

	// Password-grant failures that demand interactive auth hold delegated
	// minting until this instant; tight-retrying an MFA challenge is useless.
	mfaBlockedUntil time.Time
}

// NewTokenService creates the token service. Validation of the credential
// material happens at first mint, not here.
func NewTokenService(cfg core.AuthConfig, rc *core.RedisClient, logger core.Logger) *TokenService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &TokenService{
		cfg:         cfg,
		rc:          rc,
		clock:       core.SystemClock{},
		logger:      logger.WithComponent("auth"),
		failures:    make(map[core.TokenKind]int),
		nextAttempt: make(map[core.TokenKind]time.Time),
	}
}

var _ core.Component = (*TokenService)(nil)

// Name implements core.Component.
func (s *TokenService) Name() string { return "token-service" }

// Start launches the background refresher.
func (s *TokenService) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	refreshCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.refreshLoop(refreshCtx)
	return nil
}

// Stop halts the refresher. Cached tokens stay valid in Redis.
func (s *TokenService) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

// TokenForOperation returns a bearer token for the credential kind the
// operation class requires.
func (s *TokenService) TokenForOperation(ctx context.Context, op core.OpClass) (string, error) {
	return s.TokenFor(ctx, core.KindForOperation(op))
}

// TokenFor returns a bearer token of the given kind, minting one when the
// cache is cold or expired.
func (s *TokenService) TokenFor(ctx context.Context, kind core.TokenKind) (string, error) {
	if kind == core.KindDelegated && s.mfaHeld() {
		return "", fmt.Errorf("delegated credential requires interactive sign-in: %w", core.ErrMFARequired)
	}

	if tok, err := s.cached(ctx, kind); err == nil && tok != "" {
		return tok, nil
	}

	v, err, _ := s.group.Do(string(kind), func() (interface{}, error) {
		// Re-check under the flight; another caller may have minted already.
		if tok, err := s.cached(ctx, kind); err == nil && tok != "" {
			return tok, nil
		}
		return s.mint(ctx, kind)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh forcibly discards the cached token of a kind and mints a fresh
// one. Called by the HTTP client after a 401.
func (s *TokenService) Refresh(ctx context.Context, kind core.TokenKind) error {
	if err := s.rc.Client().Del(ctx, s.rc.Key(state.KeyTokenPrefix+string(kind))).Err(); err != nil {
		return fmt.Errorf("failed to drop cached %s token: %w", kind, err)
	}
	_, err, _ := s.group.Do("refresh-"+string(kind), func() (interface{}, error) {
		return s.mint(ctx, kind)
	})
	return err
}

func (s *TokenService) cached(ctx context.Context, kind core.TokenKind) (string, error) {
	raw, err := s.rc.Client().Get(ctx, s.rc.Key(state.KeyTokenPrefix+string(kind))).Result()
	if err != nil {
		return "", err
	}
	var tok cachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return "", fmt.Errorf("corrupt cached %s token: %w", kind, err)
	}
	if s.clock.Now().After(tok.ExpiresAt) {
		return "", nil
	}
	return tok.AccessToken, nil
}

// Remaining returns how much life the cached token of a kind has left, or
// zero when absent. The health snapshot reports it per kind.
func (s *TokenService) Remaining(ctx context.Context, kind core.TokenKind) time.Duration {
	raw, err := s.rc.Client().Get(ctx, s.rc.Key(state.KeyTokenPrefix+string(kind))).Result()
	if err != nil {
		return 0
	}
	var tok cachedToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return 0
	}
	left := tok.ExpiresAt.Sub(s.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

func (s *TokenService) mint(ctx context.Context, kind core.TokenKind) (string, error) {
	var tok *oauth2.Token
	var err error
	switch kind {
	case core.KindApplication:
		tok, err = s.mintApplication(ctx)
	case core.KindDelegated:
		tok, err = s.mintDelegated(ctx)
	default:
		return "", fmt.Errorf("unknown token kind %q: %w", kind, core.ErrInvalidConfiguration)
	}
	if err != nil {
		s.recordFailure(kind)
		if kind == core.KindDelegated && isMFAChallenge(err) {
			s.mu.Lock()
			s.mfaBlockedUntil = s.clock.Now().Add(mfaRetryInterval)
			s.mu.Unlock()
			s.logger.Error("Delegated credential is blocked by an MFA challenge; holding delegated mints before trying again", map[string]interface{}{
				"retry_in": mfaRetryInterval.String(),
				"error":    err,
			})
			return "", fmt.Errorf("password grant rejected: %w", core.ErrMFARequired)
		}
		return "", fmt.Errorf("failed to mint %s token: %w", kind, err)
	}
	s.recordSuccess(kind)

	if err := s.store(ctx, kind, tok); err != nil {
		// The token is still good; only cross-process reuse is lost.
		s.logger.Warn("Failed to cache minted token", map[string]interface{}{
			"kind":  string(kind),
			"error": err,
		})
	}

	s.logger.Info("Token minted", map[string]interface{}{
		"kind":       string(kind),
		"expires_at": tok.Expiry.Format(time.RFC3339),
	})
	return tok.AccessToken, nil
}

func (s *TokenService) mintApplication(ctx context.Context) (*oauth2.Token, error) {
	cc := clientcredentials.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		TokenURL:     s.cfg.TokenURL,
		Scopes:       s.cfg.Scopes,
	}
	return cc.Token(ctx)
}

func (s *TokenService) mintDelegated(ctx context.Context) (*oauth2.Token, error) {
	oc := oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.cfg.TokenURL},
		Scopes:       s.cfg.Scopes,
	}
	return oc.PasswordCredentialsToken(ctx, s.cfg.Username, s.cfg.Password)
}

func (s *TokenService) store(ctx context.Context, kind core.TokenKind, tok *oauth2.Token) error {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.clock.Now().Add(time.Hour)
	}
	ttl := expiry.Sub(s.clock.Now()) - cachePadding
	if ttl <= 0 {
		// Provider handed out a near-dead token; use it but do not cache.
		return nil
	}
	data, err := json.Marshal(cachedToken{
		AccessToken: tok.AccessToken,
		ExpiresAt:   expiry.Add(-cachePadding),
		Kind:        string(kind),
	})
	if err != nil {
		return err
	}
	return s.rc.Client().Set(ctx, s.rc.Key(state.KeyTokenPrefix+string(kind)), data, ttl).Err()
}

func (s *TokenService) recordFailure(kind core.TokenKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind]++
	backoff := time.Duration(1<<uint(s.failures[kind]-1)) * 10 * time.Second
	if backoff > maxRefreshBackoff {
		backoff = maxRefreshBackoff
	}
	s.nextAttempt[kind] = s.clock.Now().Add(backoff)
}

func (s *TokenService) recordSuccess(kind core.TokenKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = 0
	delete(s.nextAttempt, kind)
	if kind == core.KindDelegated {
		s.mfaBlockedUntil = time.Time{}
	}
}

// mfaHeld reports whether delegated minting is inside an MFA hold window.
func (s *TokenService) mfaHeld() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Before(s.mfaBlockedUntil)
}

// inBackoff reports whether background refreshes of a kind should hold off
// after consecutive mint failures. Foreground mints are never held back.
func (s *TokenService) inBackoff(kind core.TokenKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Before(s.nextAttempt[kind])
}

// refreshLoop keeps both cached tokens ahead of expiry so request paths
// almost never pay a mint round-trip.
func (s *TokenService) refreshLoop(ctx context.Context) {
	defer s.wg.Done()
	interval := s.cfg.RefreshInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, kind := range []core.TokenKind{core.KindDelegated, core.KindApplication} {
				if kind == core.KindDelegated && s.mfaHeld() {
					continue
				}
				if s.Remaining(ctx, kind) >= s.cfg.RefreshAhead {
					continue
				}
				if s.inBackoff(kind) {
					continue
				}
				if _, err := s.mint(ctx, kind); err != nil {
					s.logger.Warn("Background token refresh failed", map[string]interface{}{
						"kind":  string(kind),
						"error": err,
					})
				}
			}
		}
	}
}

// isMFAChallenge detects the identity provider's interactive-auth-required
// rejection of a password grant (AADSTS50076 and relatives).
func isMFAChallenge(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "AADSTS50076") ||
		strings.Contains(msg, "AADSTS50079") ||
		strings.Contains(msg, "multi-factor") ||
		strings.Contains(msg, "multifactor")
}
