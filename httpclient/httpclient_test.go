package httpclient

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/teamreg/log"
)

func TestTelemetryRoundTripper(t *testing.T) {
	var seenRequestID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRequestID = r.Header.Get("x-request-id")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	var logBuf bytes.Buffer
	registry := prometheus.NewRegistry()

	client := DefaultPooledClient(
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(registry),
	)

	resp, err := client.Get(ts.URL + "/api/analytics/event?secret=1")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, seenRequestID)

	assert.Contains(t, logBuf.String(), "/api/analytics/event")
	assert.NotContains(t, logBuf.String(), "secret=1")

	count, err := testutil.GatherAndCount(registry, "http_client_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTelemetryRoundTripper_SharedRegisterer(t *testing.T) {
	registry := prometheus.NewRegistry()

	assert.NotPanics(t, func() {
		DefaultClient(WithRegisterer(registry))
		DefaultPooledClient(WithRegisterer(registry))
	})
}

func TestTelemetryRoundTripper_TransportError(t *testing.T) {
	var logBuf bytes.Buffer

	client := DefaultClient(
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(prometheus.NewRegistry()),
	)

	_, err := client.Get("http://127.0.0.1:1/unreachable")
	assert.Error(t, err)
	assert.True(t, strings.Contains(logBuf.String(), "cannot execute http transaction"))
}
