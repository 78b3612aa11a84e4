package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/teamreg/abuse"
	"go.gearno.de/teamreg/blocklist"
	"go.gearno.de/teamreg/internal/analytics"
	"go.gearno.de/teamreg/internal/registration"
	"go.gearno.de/teamreg/ratelimit"
)

const (
	testAdminKey = "s3cret-admin-key"
	tooManyBody  = `{"error":"too_many_requests","message":"too many requests, please try again later"}`
)

type brokenLimitStore struct{}

func (brokenLimitStore) Hit(context.Context, string, int, time.Duration, time.Time) (*ratelimit.Record, error) {
	return nil, errors.New("connection refused")
}

func (brokenLimitStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

type testEnv struct {
	handler   http.Handler
	gate      *blocklist.Gate
	analytics *analytics.MemoryStore
	regs      *registration.MemoryStore
}

func newTestEnv(t *testing.T, limitStore ratelimit.Store) *testEnv {
	t.Helper()

	if limitStore == nil {
		limitStore = ratelimit.NewMemoryStore()
	}

	var (
		reg      = prometheus.NewRegistry()
		gate     = blocklist.NewGate(blocklist.NewMemoryStore(), blocklist.WithRegisterer(reg))
		regStore = registration.NewMemoryStore()
		evtStore = analytics.NewMemoryStore()
		cfg      = DefaultConfig()
	)

	cfg.AdminKey = testAdminKey

	a := New(
		cfg,
		Services{
			Gate:          gate,
			Tracker:       abuse.NewTracker(gate, abuse.WithRegisterer(reg)),
			Limiter:       ratelimit.NewLimiter(limitStore, ratelimit.WithRegisterer(reg)),
			Registrations: registration.NewService(regStore),
			Analytics:     analytics.NewService(evtStore),
		},
	)

	return &testEnv{
		handler:   a.Handler(),
		gate:      gate,
		analytics: evtStore,
		regs:      regStore,
	}
}

func (e *testEnv) do(method, target, ip, body string, header map[string]string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}

	r.RemoteAddr = ip + ":40000"
	for k, v := range header {
		r.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)

	return w
}

func registrationBody(email string) string {
	return `{"teamName":"Night Owls","captainName":"Ada","email":"` + email + `","players":["Ada","Grace"]}`
}

func TestRegistration_Created(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", registrationBody("ada@example.com"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var got registration.Registration
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "Night Owls", got.TeamName)

	n, err := env.regs.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegistration_SameEmailTwiceIsRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", registrationBody("ada@example.com"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodPost, "/api/registrations", "203.0.113.2", registrationBody("ADA@example.com"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, tooManyBody, w.Body.String())
	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestRegistration_IPLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", registrationBody(email), nil)
		require.Equal(t, http.StatusCreated, w.Code, email)
	}

	w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", registrationBody("d@example.com"), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = env.do(http.MethodPost, "/api/registrations", "203.0.113.9", registrationBody("d@example.com"), nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRegistration_Invalid(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", `{"teamName":"X","email":"nope","players":[]}`, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var got struct {
		Error  string `json:"error"`
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "bad_request", got.Error)

	fields := make([]string, 0, len(got.Fields))
	for _, f := range got.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "teamName")
	assert.Contains(t, fields, "captainName")
	assert.Contains(t, fields, "email")

	n, err := env.regs.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	w = env.do(http.MethodPost, "/api/registrations", "203.0.113.1", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegistration_LimiterFailureFailsClosed(t *testing.T) {
	env := newTestEnv(t, brokenLimitStore{})

	w := env.do(http.MethodPost, "/api/registrations", "203.0.113.1", registrationBody("ada@example.com"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	n, err := env.regs.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAnalytics_Ingest(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/analytics/pageview", "203.0.113.1",
		`{"sessionId":"s1","timestamp":1709294400000,"page":"/"}`, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	events := env.analytics.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.1", events[0].ClientIP)
}

func TestAnalytics_UnknownKindAndInvalidPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/analytics/purchase", "203.0.113.1", `{"sessionId":"s1","timestamp":1}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/analytics/form", "203.0.113.1", `{"sessionId":"s1","timestamp":1,"step":"pay"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, env.analytics.Events())
}

func TestAnalytics_LimiterFailureFailsOpen(t *testing.T) {
	env := newTestEnv(t, brokenLimitStore{})

	w := env.do(http.MethodPost, "/api/analytics/event", "203.0.113.1",
		`{"sessionId":"s1","timestamp":1,"category":"cta","action":"click"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, env.analytics.Events(), 1)
}

func TestAdmin_KeySources(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/admin/dashboard", "198.51.100.1", "", map[string]string{"X-Admin-Key": testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)

	var dash struct {
		Registrations int `json:"registrations"`
		ActiveBlocks  int `json:"activeBlocks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dash))
	assert.Zero(t, dash.Registrations)

	w = env.do(http.MethodGet, "/api/admin/blocks?key="+testAdminKey, "198.51.100.1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"blocks":[]}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/admin/blocks", "198.51.100.1",
		`{"adminKey":"`+testAdminKey+`","ip":"192.0.2.50","durationMinutes":10,"reason":"spam"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var block blocklist.Block
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &block))
	assert.Equal(t, "192.0.2.50", block.IP)
	assert.Equal(t, "spam", block.Reason)

	w = env.do(http.MethodPost, "/api/analytics/pageview", "192.0.2.50", `{"sessionId":"s1","timestamp":1,"page":"/"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, tooManyBody, w.Body.String())
	assert.NotContains(t, w.Body.String(), "spam")
}

func TestAdmin_MissingOrWrongKey(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/api/admin/dashboard", "198.51.100.1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/api/admin/dashboard", "198.51.100.1", "", map[string]string{"X-Admin-Key": "guess"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized","message":"invalid admin key"}`, w.Body.String())
}

func TestAdmin_RepeatedFailuresBlockTheAddress(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := range abuse.DefaultMaxAttempts {
		w := env.do(http.MethodGet, "/api/admin/dashboard?key=wrong", "198.51.100.7", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := env.do(http.MethodGet, "/api/admin/dashboard", "198.51.100.7", "", map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, tooManyBody, w.Body.String())

	w = env.do(http.MethodGet, "/api/admin/dashboard", "198.51.100.8", "", map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_Unblock(t *testing.T) {
	env := newTestEnv(t, nil)
	header := map[string]string{"X-Admin-Key": testAdminKey}

	_, err := env.gate.Block(context.Background(), "192.0.2.60", time.Hour, "manual")
	require.NoError(t, err)

	w := env.do(http.MethodDelete, "/api/admin/blocks/192.0.2.60", "198.51.100.1", "", header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unblocked":true}`, w.Body.String())

	w = env.do(http.MethodDelete, "/api/admin/blocks/192.0.2.60", "198.51.100.1", "", header)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"unblocked":false}`, w.Body.String())

	w = env.do(http.MethodPost, "/api/analytics/pageview", "192.0.2.60", `{"sessionId":"s1","timestamp":1,"page":"/"}`, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAdmin_CreateBlockInvalid(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/api/admin/blocks", "198.51.100.1", `{"ip":"not-an-ip","durationMinutes":0}`,
		map[string]string{"X-Admin-Key": testAdminKey})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
