package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/agentmesh/plannersync/core"
	"github.com/agentmesh/plannersync/resilience"
)

// TokenProvider hands out bearer tokens per operation class. Implemented by
// the auth package; faked in tests.
type TokenProvider interface {
	TokenForOperation(ctx context.Context, op core.OpClass) (string, error)
	TokenFor(ctx context.Context, kind core.TokenKind) (string, error)
	Refresh(ctx context.Context, kind core.TokenKind) error
}

// RateLimitError carries the Retry-After duration from a 429 response.
// It unwraps to core.ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return core.ErrRateLimited }

// ClientConfig configures the planner client.
type ClientConfig struct {
	// BaseURL is the planner API root, without trailing slash.
	BaseURL string

	// RequestTimeout bounds each outbound call.
	// Default: 30s
	RequestTimeout time.Duration

	// RateLimit / RateWindow describe the service-documented budget per
	// token kind. Default: 300 requests per 5 minutes.
	RateLimit  int
	RateWindow time.Duration

	// Logger is an optional logger for request outcomes.
	Logger core.Logger

	// Transport overrides the HTTP transport. Tests inject httptest here.
	Transport http.RoundTripper

	// Breaker guards the planner endpoint. When nil a default circuit
	// breaker is installed; deliberate service answers (412, 429, 404,
	// validation) never count toward opening it.
	Breaker core.CircuitBreaker
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:        baseURL,
		RequestTimeout: 30 * time.Second,
		RateLimit:      300,
		RateWindow:     5 * time.Minute,
	}
}

// Client talks to the external planner. One shared HTTP client per token
// kind enforces token-bucket pacing; a 429 halts that kind's emissions for
// the duration indicated by Retry-After.
type Client struct {
	config  ClientConfig
	tokens  TokenProvider
	http    *http.Client
	logger  core.Logger
	breaker core.CircuitBreaker

	mu          sync.Mutex
	limiters    map[core.TokenKind]*rate.Limiter
	pausedUntil map[core.TokenKind]time.Time

	requests  metric.Int64Counter
	rlPauses  metric.Int64Counter
	conflicts metric.Int64Counter
}

// NewClient creates a planner client.
func NewClient(config ClientConfig, tokens TokenProvider) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("planner base URL is required: %w", core.ErrMissingConfiguration)
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 300
	}
	if config.RateWindow <= 0 {
		config.RateWindow = 5 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	breaker := config.Breaker
	if breaker == nil {
		bc := resilience.DefaultCircuitBreakerConfig("planner")
		bc.Logger = logger
		breaker = resilience.NewCircuitBreaker(bc)
	}

	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	meter := otel.Meter("plannersync/planner")
	requests, _ := meter.Int64Counter("planner.requests",
		metric.WithDescription("Outbound planner API requests by status class"))
	rlPauses, _ := meter.Int64Counter("planner.rate_limit_pauses",
		metric.WithDescription("Rate-limit pauses triggered by 429 responses"))
	conflicts, _ := meter.Int64Counter("planner.etag_conflicts",
		metric.WithDescription("Conditional writes rejected with 412"))

	perSecond := rate.Limit(float64(config.RateLimit) / config.RateWindow.Seconds())
	newLimiter := func() *rate.Limiter {
		burst := config.RateLimit / 10
		if burst < 1 {
			burst = 1
		}
		return rate.NewLimiter(perSecond, burst)
	}

	return &Client{
		config:  config,
		tokens:  tokens,
		breaker: breaker,
		http: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   config.RequestTimeout,
		},
		logger: logger,
		limiters: map[core.TokenKind]*rate.Limiter{
			core.KindDelegated:   newLimiter(),
			core.KindApplication: newLimiter(),
		},
		pausedUntil: map[core.TokenKind]time.Time{},
		requests:    requests,
		rlPauses:    rlPauses,
		conflicts:   conflicts,
	}, nil
}

// PauseKind halts emissions for a token kind until now+d. Called internally
// on 429 and by workers that observe a RateLimitError.
func (c *Client) PauseKind(kind core.TokenKind, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(c.pausedUntil[kind]) {
		c.pausedUntil[kind] = until
	}
}

// waitTurn blocks until the kind's pacing and any 429 pause allow a request.
func (c *Client) waitTurn(ctx context.Context, kind core.TokenKind) error {
	c.mu.Lock()
	until := c.pausedUntil[kind]
	limiter := c.limiters[kind]
	c.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return limiter.Wait(ctx)
}

// request describes one planner call.
type request struct {
	method      string
	path        string
	body        interface{}
	opClass     core.OpClass
	ifMatch     string
	ifNoneMatch string
}

// response carries the decoded status, body and ETag header.
type response struct {
	status int
	body   []byte
	etag   string
}

// do executes a request with credential selection, pacing, and status
// mapping. A 401 refreshes the token and retries once; a 403 against the
// delegated credential falls back to the application credential once.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	kind := core.KindForOperation(req.opClass)

	resp, err := c.execute(ctx, req, kind)
	if err == nil {
		return resp, nil
	}

	switch {
	case isUnauthorized(err):
		if refreshErr := c.tokens.Refresh(ctx, kind); refreshErr != nil {
			return nil, err
		}
		return c.execute(ctx, req, kind)
	case isForbidden(err) && kind == core.KindDelegated:
		c.logger.Debug("Delegated token insufficient, retrying with application token", map[string]interface{}{
			"path":     req.path,
			"op_class": string(req.opClass),
		})
		return c.execute(ctx, req, core.KindApplication)
	default:
		return nil, err
	}
}

// execute runs one attempt under circuit protection. Status-mapped errors
// pass through; only infrastructure failures count toward opening.
func (c *Client) execute(ctx context.Context, req request, kind core.TokenKind) (*response, error) {
	var resp *response
	err := c.breaker.Execute(ctx, func() error {
		var innerErr error
		resp, innerErr = c.doWithKind(ctx, req, kind)
		return innerErr
	})
	return resp, err
}

func (c *Client) doWithKind(ctx context.Context, req request, kind core.TokenKind) (*response, error) {
	if err := c.waitTurn(ctx, kind); err != nil {
		return nil, err
	}

	token, err := c.tokens.TokenFor(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("no %s token for %s: %w", kind, req.path, core.ErrTokenUnavailable)
	}

	var bodyReader io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.config.BaseURL+req.path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.ifMatch != "" {
		httpReq.Header.Set("If-Match", req.ifMatch)
	}
	if req.ifNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.ifNoneMatch)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.method, req.path, core.ErrConnectionFailed)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s %s: reading body: %w", req.method, req.path, core.ErrConnectionFailed)
	}

	c.requests.Add(ctx, 1)

	resp := &response{
		status: httpResp.StatusCode,
		body:   body,
		etag:   httpResp.Header.Get("ETag"),
	}

	if mapped := c.mapStatus(ctx, httpResp, req, kind); mapped != nil {
		return resp, mapped
	}
	return resp, nil
}

// mapStatus converts HTTP statuses to the error taxonomy. nil means success
// (2xx).
func (c *Client) mapStatus(ctx context.Context, httpResp *http.Response, req request, kind core.TokenKind) error {
	status := httpResp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotModified:
		return core.ErrNotModified
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%s %s: %w", req.method, req.path, core.ErrUnauthorized)
	case status == http.StatusForbidden:
		return fmt.Errorf("%s %s: %w", req.method, req.path, core.ErrForbidden)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", req.method, req.path, core.ErrRemoteGone)
	case status == http.StatusPreconditionFailed:
		c.conflicts.Add(ctx, 1)
		return fmt.Errorf("%s %s: %w", req.method, req.path, core.ErrPreconditionFailed)
	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		c.PauseKind(kind, retryAfter)
		c.rlPauses.Add(ctx, 1)
		c.logger.Warn("Planner rate limit hit", map[string]interface{}{
			"path":        req.path,
			"retry_after": retryAfter.String(),
			"token_kind":  string(kind),
		})
		return &RateLimitError{RetryAfter: retryAfter}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%s %s: status %d: %w", req.method, req.path, status, core.ErrValidation)
	default:
		return fmt.Errorf("%s %s: status %d: %w", req.method, req.path, status, core.ErrRequestFailed)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

func isUnauthorized(err error) bool { return errors.Is(err, core.ErrUnauthorized) }
func isForbidden(err error) bool    { return errors.Is(err, core.ErrForbidden) }

// GetTask fetches a task. A non-empty ifNoneMatch makes the GET conditional;
// core.ErrNotModified signals a confirmed no-op.
func (c *Client) GetTask(ctx context.Context, id, ifNoneMatch string) (*RemoteTask, error) {
	resp, err := c.do(ctx, request{
		method:      http.MethodGet,
		path:        "/tasks/" + id,
		opClass:     core.OpTaskRead,
		ifNoneMatch: ifNoneMatch,
	})
	if err != nil {
		return nil, err
	}
	return decodeTask(resp)
}

// CreateTask posts a new task and returns the remote copy with its ETag.
func (c *Client) CreateTask(ctx context.Context, task RemoteTask) (*RemoteTask, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/tasks",
		body:    task,
		opClass: core.OpTaskWrite,
	})
	if err != nil {
		return nil, err
	}
	return decodeTask(resp)
}

// UpdateTask patches a task conditionally on etag. When the service replies
// with a body, the updated task is returned; otherwise only the fresh ETag.
func (c *Client) UpdateTask(ctx context.Context, id string, patch TaskPatch, etag string) (*RemoteTask, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodPatch,
		path:    "/tasks/" + id,
		body:    patch,
		opClass: core.OpTaskWrite,
		ifMatch: etag,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.body) == 0 {
		return &RemoteTask{ID: id, ETag: resp.etag}, nil
	}
	return decodeTask(resp)
}

// DeleteTask removes a task conditionally on etag.
func (c *Client) DeleteTask(ctx context.Context, id, etag string) error {
	_, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/tasks/" + id,
		opClass: core.OpTaskWrite,
		ifMatch: etag,
	})
	return err
}

// ListPlanTasks lists every task in a plan.
func (c *Client) ListPlanTasks(ctx context.Context, planID string) ([]RemoteTask, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/plans/" + planID + "/tasks",
		opClass: core.OpTaskRead,
	})
	if err != nil {
		return nil, err
	}
	var list listResponse[RemoteTask]
	if err := json.Unmarshal(resp.body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode task list: %w", err)
	}
	return list.Value, nil
}

// ListPlanBuckets lists a plan's buckets.
func (c *Client) ListPlanBuckets(ctx context.Context, planID string) ([]Bucket, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/plans/" + planID + "/buckets",
		opClass: core.OpTaskRead,
	})
	if err != nil {
		return nil, err
	}
	var list listResponse[Bucket]
	if err := json.Unmarshal(resp.body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode bucket list: %w", err)
	}
	return list.Value, nil
}

// ListGroupPlans lists a group's plans.
func (c *Client) ListGroupPlans(ctx context.Context, groupID string) ([]Plan, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodGet,
		path:    "/groups/" + groupID + "/plans",
		opClass: core.OpTenantRead,
	})
	if err != nil {
		return nil, err
	}
	var list listResponse[Plan]
	if err := json.Unmarshal(resp.body, &list); err != nil {
		return nil, fmt.Errorf("failed to decode plan list: %w", err)
	}
	return list.Value, nil
}

// CreateSubscription registers a change-notification subscription using the
// given operation class (families differ in required credential).
func (c *Client) CreateSubscription(ctx context.Context, sub Subscription, op core.OpClass) (*Subscription, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    "/subscriptions",
		body:    sub,
		opClass: op,
	})
	if err != nil {
		return nil, err
	}
	var created Subscription
	if err := json.Unmarshal(resp.body, &created); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &created, nil
}

// RenewSubscription extends a subscription's expiry.
func (c *Client) RenewSubscription(ctx context.Context, id, newExpiry string, op core.OpClass) (*Subscription, error) {
	resp, err := c.do(ctx, request{
		method:  http.MethodPatch,
		path:    "/subscriptions/" + id,
		body:    map[string]string{"expirationDateTime": newExpiry},
		opClass: op,
	})
	if err != nil {
		return nil, err
	}
	var renewed Subscription
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &renewed); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
	} else {
		renewed = Subscription{ID: id, ExpirationDateTime: newExpiry}
	}
	return &renewed, nil
}

// DeleteSubscription removes a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, id string, op core.OpClass) error {
	_, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    "/subscriptions/" + id,
		opClass: op,
	})
	return err
}

func decodeTask(resp *response) (*RemoteTask, error) {
	var task RemoteTask
	if len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, &task); err != nil {
			return nil, fmt.Errorf("failed to decode task: %w", err)
		}
	}
	task.ETag = resp.etag
	return &task, nil
}
