// Package ingest talks to the traffic platform API: login, observation
// ingestion and the authorized helpers the probe uses.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/circuitbreaker"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRejected        = errors.New("rejected by platform")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

const (
	loginPath  = "/auth/login"
	ingestPath = "/traffic/ingest"

	maxErrorBody = 512
)

// Config holds connection, credential and retry settings.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration // per attempt
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// TokenRefreshSkew logs in again when the token expires within this window.
	TokenRefreshSkew time.Duration
}

// Response is a raw platform response. It is returned alongside status errors
// so callers can still report the status code.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client is safe for concurrent use; the token is shared by all callers.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time

	loginMu  sync.Mutex
	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient validates cfg and applies defaults (3 attempts, 100ms base delay,
// 2s max delay, 10s timeout, 30s refresh skew).
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", cfg.BaseURL)
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrUnauthorized)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 2 * time.Second
	}
	if cfg.TokenRefreshSkew < 0 {
		cfg.TokenRefreshSkew = 0
	} else if cfg.TokenRefreshSkew == 0 {
		cfg.TokenRefreshSkew = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetCircuitBreaker wraps every attempt in cb. Only upstream faults count against it.
func (c *Client) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // milliseconds
	Message   string `json:"message"`
}

// Login exchanges the configured credentials for a bearer token.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Username: c.cfg.Username, Password: c.cfg.Password})
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}
	resp, err := c.withRetry(ctx, func(ctx context.Context) (*Response, error) {
		return c.send(ctx, http.MethodPost, loginPath, nil, body, "")
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil {
		return fmt.Errorf("login: parse response: %w", err)
	}
	if lr.Token == "" {
		return fmt.Errorf("login: %w: no token in response (%s)", ErrUnauthorized, lr.Message)
	}

	exp := tokenExpiry(lr.Token)
	if exp.IsZero() && lr.ExpiresIn > 0 {
		exp = c.now().Add(time.Duration(lr.ExpiresIn) * time.Millisecond)
	}
	c.mu.Lock()
	c.token, c.tokenExp = lr.Token, exp
	c.mu.Unlock()
	c.logger.Info("logged in to platform", zap.String("username", c.cfg.Username), zap.Time("token_expires", exp))
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// platform verifies its own tokens. Zero when the token has no readable exp.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return ""
	}
	if !c.tokenExp.IsZero() && !c.now().Add(c.cfg.TokenRefreshSkew).Before(c.tokenExp) {
		return ""
	}
	return c.token
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token, c.tokenExp = "", time.Time{}
	c.mu.Unlock()
}

// ensureToken returns a usable token, logging in when there is none or it is
// about to expire. Concurrent callers share a single login.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	if tok := c.currentToken(); tok != "" {
		return tok, nil
	}
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if tok := c.currentToken(); tok != "" {
		return tok, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// Ingest posts one observation. Any 2xx is success.
func (c *Client) Ingest(ctx context.Context, obs models.TrafficObservation) error {
	_, err := c.PostJSON(ctx, ingestPath, obs)
	return err
}

// Get issues an authorized GET with query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.authorized(ctx, http.MethodGet, path, query, nil)
}

// PostJSON issues an authorized POST with v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, v interface{}) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return c.authorized(ctx, http.MethodPost, path, nil, body)
}

// authorized runs the call with retries. A 401/403 clears the token and the
// whole call is repeated once after a fresh login.
func (c *Client) authorized(ctx context.Context, method, path string, query url.Values, body []byte) (*Response, error) {
	for pass := 0; ; pass++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.withRetry(ctx, func(ctx context.Context) (*Response, error) {
			return c.send(ctx, method, path, query, body, token)
		})
		if !errors.Is(err, ErrUnauthorized) || pass > 0 {
			return resp, err
		}
		c.logger.Info("token rejected, logging in again", zap.String("path", path))
		c.clearToken()
	}
}

func (c *Client) withRetry(ctx context.Context, call func(context.Context) (*Response, error)) (*Response, error) {
	var (
		resp    *Response
		lastErr error
	)
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.IngestRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return resp, ctx.Err()
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		resp = nil
		if c.breaker != nil {
			err := c.breaker.Call(ctx, func() error {
				var err error
				resp, err = call(ctx)
				return err
			})
			lastErr = err
		} else {
			resp, lastErr = call(ctx)
		}
		if lastErr == nil {
			return resp, nil
		}
		if !isRetryable(ctx, lastErr) {
			return resp, lastErr
		}
		c.logger.Debug("platform call failed, retrying", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return resp, fmt.Errorf("exhausted retries: %w", lastErr)
}

// send performs a single attempt. An empty token sends no Authorization header.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, token string) (*Response, error) {
	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		observability.IngestCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if corrID := observability.CorrelationIDFrom(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		observability.IngestCallsTotal.WithLabelValues("error").Inc()
		observability.IngestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer httpResp.Body.Close()

	status := statusLabel(httpResp.StatusCode)
	observability.IngestCallsTotal.WithLabelValues(status).Inc()
	observability.IngestDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp := &Response{StatusCode: httpResp.StatusCode, Body: raw}
	return resp, statusError(resp)
}

func statusError(resp *Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrUnauthorized, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, code)
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, code, truncate(resp.Body, maxErrorBody))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// isRetryable reports whether another attempt may succeed. Cancellation of the
// caller's own context is final.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// NewCircuitBreaker returns a breaker for the platform API that only counts
// upstream faults and exports its transitions as metrics.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *circuitbreaker.CircuitBreaker {
	const component = "ingest_api"
	observability.SetCircuitBreakerStateGauge(component, float64(circuitbreaker.StateClosed))
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: failureThreshold,
		SuccessThreshold: successThreshold,
		Timeout:          timeout,
		Component:        component,
		IsFailure:        isUpstreamFault,
		OnStateChange: func(component string, from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(component, float64(to))
		},
	})
}

// isUpstreamFault reports whether err says something about the platform's health,
// as opposed to our request or credentials.
func isUpstreamFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamFailure) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "http request failed")
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return "unauthorized"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	}
	return "error"
}
