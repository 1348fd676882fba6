package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/traffic-mock-service/internal/circuitbreaker"
	"github.com/kjstillabower/traffic-mock-service/internal/models"
	"github.com/kjstillabower/traffic-mock-service/internal/observability"
)

// fakePlatform mimics the platform API: /auth/login issues HS256 tokens and
// /traffic/ingest records bodies. ingestStatus, when set, scripts the status
// codes returned by successive ingest calls (the last one repeats).
type fakePlatform struct {
	t            *testing.T
	tokenTTL     time.Duration
	ingestStatus []int

	mu          sync.Mutex
	logins      int32
	ingests     int32
	issued      []string
	revoked     map[string]bool
	received    []models.TrafficObservation
	lastHeaders http.Header
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	p := &fakePlatform{t: t, tokenTTL: time.Hour, revoked: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/login", p.login)
	mux.HandleFunc("/api/v1/traffic/ingest", p.ingest)
	mux.HandleFunc("/api/v1/traffic/trends", p.trends)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *fakePlatform) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	atomic.AddInt32(&p.logins, 1)
	if req.Username != "admin" || req.Password != "secure123" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Invalid credentials"})
		return
	}
	p.mu.Lock()
	ttl := p.tokenTTL
	p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": req.Username,
		"exp": time.Now().Add(ttl).Unix(),
		"n":   atomic.LoadInt32(&p.logins),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if !assert.NoError(p.t, err) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	p.mu.Lock()
	p.issued = append(p.issued, signed)
	p.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"token": signed, "tokenType": "Bearer", "expiresIn": 86400000})
}

func (p *fakePlatform) authorized(r *http.Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeaders = r.Header.Clone()
	auth := r.Header.Get("Authorization")
	for _, tok := range p.issued {
		if auth == "Bearer "+tok && !p.revoked[tok] {
			return true
		}
	}
	return false
}

func (p *fakePlatform) revokeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tok := range p.issued {
		p.revoked[tok] = true
	}
}

func (p *fakePlatform) setTokenTTL(ttl time.Duration) {
	p.mu.Lock()
	p.tokenTTL = ttl
	p.mu.Unlock()
}

func (p *fakePlatform) scriptIngest(statuses ...int) {
	p.mu.Lock()
	p.ingestStatus = statuses
	p.mu.Unlock()
}

func (p *fakePlatform) nextIngestStatus(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ingestStatus) == 0 {
		return http.StatusCreated
	}
	if n >= len(p.ingestStatus) {
		n = len(p.ingestStatus) - 1
	}
	return p.ingestStatus[n]
}

func (p *fakePlatform) receivedObservations() []models.TrafficObservation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.TrafficObservation(nil), p.received...)
}

func (p *fakePlatform) header(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHeaders.Get(name)
}

func (p *fakePlatform) ingest(w http.ResponseWriter, r *http.Request) {
	n := int(atomic.AddInt32(&p.ingests, 1))
	if !p.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	status := p.nextIngestStatus(n - 1)
	if status < 300 {
		var obs models.TrafficObservation
		assert.NoError(p.t, json.NewDecoder(r.Body).Decode(&obs))
		p.mu.Lock()
		p.received = append(p.received, obs)
		p.mu.Unlock()
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (p *fakePlatform) trends(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"location":   r.URL.Query().Get("location"),
		"dailyTrend": []int{1, 2, 3},
	})
}

func testConfig(srv *httptest.Server) Config {
	return Config{
		BaseURL:        srv.URL + "/api/v1",
		Username:       "admin",
		Password:       "secure123",
		Timeout:        time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func sampleObservation() models.TrafficObservation {
	return models.TrafficObservation{
		Location:         "Benz Circle",
		Latitude:         16.5071,
		Longitude:        80.6489,
		TrafficDensity:   models.DensityHigh,
		Timestamp:        "2024-01-15T08:00:00",
		VehicleCount:     64,
		AverageSpeed:     18.5,
		WeatherCondition: models.WeatherRain,
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "::not a url", Username: "admin"}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost:8080/api/v1"}, nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	c, err := NewClient(Config{BaseURL: "http://localhost:8080/api/v1/", Username: "admin"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/api/v1", c.baseURL)
	assert.Equal(t, 3, c.cfg.RetryAttempts)
}

func TestLogin_ReadsExpiryFromToken(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.setTokenTTL(2 * time.Hour)
	c, err := NewClient(testConfig(srv), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, c.Login(context.Background()))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotEmpty(t, c.token)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), c.tokenExp, 5*time.Second)
}

func TestLogin_BadCredentials(t *testing.T) {
	_, srv := newFakePlatform(t)
	cfg := testConfig(srv)
	cfg.Password = "wrong"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	err = c.Login(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIngest_LogsInLazilyAndPosts(t *testing.T) {
	p, srv := newFakePlatform(t)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	ctx := observability.WithRequestLogger(context.Background(), zap.NewNop(), "run-42")
	require.NoError(t, c.Ingest(ctx, sampleObservation()))
	require.NoError(t, c.Ingest(ctx, sampleObservation()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&p.logins))
	received := p.receivedObservations()
	require.Len(t, received, 2)
	assert.Equal(t, sampleObservation(), received[0])
	assert.Equal(t, "run-42", p.header("X-Correlation-ID"))
}

func TestIngest_RelogsInOnceAfter401(t *testing.T) {
	p, srv := newFakePlatform(t)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, sampleObservation()))
	p.revokeAll()
	require.NoError(t, c.Ingest(ctx, sampleObservation()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&p.logins))
	assert.Len(t, p.receivedObservations(), 2)
}

func TestIngest_PersistentUnauthorized(t *testing.T) {
	p, srv := newFakePlatform(t)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	// Every issued token is rejected by ingest.
	p.scriptIngest(http.StatusUnauthorized)

	err = c.Ingest(context.Background(), sampleObservation())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.logins))
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.ingests))
}

func TestIngest_RetriesServerErrors(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusCreated)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	require.NoError(t, c.Ingest(context.Background(), sampleObservation()))
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.ingests))
	assert.Len(t, p.receivedObservations(), 1)
}

func TestIngest_ExhaustsRetriesOnRateLimit(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusTooManyRequests)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	err = c.Ingest(context.Background(), sampleObservation())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "exhausted retries")
	assert.Equal(t, int32(3), atomic.LoadInt32(&p.ingests))
}

func TestIngest_DoesNotRetryRejection(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusBadRequest)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	err = c.Ingest(context.Background(), sampleObservation())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.ingests))
}

func TestIngest_RefreshesExpiringToken(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.setTokenTTL(10 * time.Second) // inside the default 30s skew
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Ingest(ctx, sampleObservation()))
	require.NoError(t, c.Ingest(ctx, sampleObservation()))

	assert.Equal(t, int32(2), atomic.LoadInt32(&p.logins))
}

func TestIngest_CancelledContext(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusServiceUnavailable)
	cfg := testConfig(srv)
	cfg.RetryBaseDelay = time.Second
	cfg.RetryMaxDelay = time.Second
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = c.Ingest(ctx, sampleObservation())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIngest_CircuitBreakerOpens(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusInternalServerError)
	cfg := testConfig(srv)
	cfg.RetryAttempts = 1
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)
	cb := NewCircuitBreaker(2, 1, time.Minute)
	c.SetCircuitBreaker(cb)
	ctx := context.Background()

	assert.ErrorIs(t, c.Ingest(ctx, sampleObservation()), ErrUpstreamFailure)
	assert.ErrorIs(t, c.Ingest(ctx, sampleObservation()), ErrUpstreamFailure)
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	err = c.Ingest(ctx, sampleObservation())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.ingests))
}

func TestIngest_RejectionDoesNotTripBreaker(t *testing.T) {
	p, srv := newFakePlatform(t)
	p.scriptIngest(http.StatusUnprocessableEntity)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)
	cb := NewCircuitBreaker(1, 1, time.Minute)
	c.SetCircuitBreaker(cb)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, c.Ingest(context.Background(), sampleObservation()), ErrRejected)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

func TestGet_SendsQueryAndToken(t *testing.T) {
	_, srv := newFakePlatform(t)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/traffic/trends", url.Values{"location": {"Vijayawada"}, "period": {"daily"}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Location   string `json:"location"`
		DailyTrend []int  `json:"dailyTrend"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "Vijayawada", body.Location)
	assert.Len(t, body.DailyTrend, 3)
}

func TestPostJSON_ReturnsResponseWithStatusError(t *testing.T) {
	_, srv := newFakePlatform(t)
	c, err := NewClient(testConfig(srv), nil)
	require.NoError(t, err)

	resp, err := c.PostJSON(context.Background(), "/traffic/unknown", map[string]int{"north": 45})
	assert.ErrorIs(t, err, ErrRejected)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, tokenExpiry(signed).Equal(exp))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.True(t, tokenExpiry(noExp).IsZero())

	assert.True(t, tokenExpiry("opaque-token").IsZero())
}

func TestCalculateBackoff_Bounded(t *testing.T) {
	c := &Client{cfg: Config{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}}
	for attempt := 1; attempt < 6; attempt++ {
		d := c.calculateBackoff(attempt)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 330*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	ctx := context.Background()
	assert.True(t, isRetryable(ctx, ErrRateLimited))
	assert.True(t, isRetryable(ctx, ErrUpstreamFailure))
	assert.False(t, isRetryable(ctx, ErrRejected))
	assert.False(t, isRetryable(ctx, ErrUnauthorized))
	assert.False(t, isRetryable(ctx, errors.New("boom")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, isRetryable(cancelled, ErrUpstreamFailure))
}
