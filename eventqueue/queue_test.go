package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/teamreg/httpclient"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	fail   func(e *Event, call int) bool
}

func (s *recordingSender) Send(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, Event{
		Endpoint: e.Endpoint,
		Payload:  e.Payload,
		Attempts: e.Attempts,
	})

	if s.fail != nil && s.fail(e, len(s.events)) {
		return errors.New("network error")
	}

	return nil
}

func (s *recordingSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *recordingSender) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSender) Summaries() int {
	n := 0
	for _, e := range s.Events() {
		if e.Payload["action"] == "session_summary" {
			n++
		}
	}
	return n
}

func newTestQueue(t *testing.T, sender Sender, options ...Option) *Queue {
	t.Helper()

	options = append(
		[]Option{
			WithRegisterer(prometheus.NewRegistry()),
			WithFlushInterval(time.Hour),
			WithRetryDelay(5 * time.Millisecond),
		},
		options...,
	)

	q, err := NewQueue(sender, options...)
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close(context.Background()) })

	return q
}

func TestQueue_BatchSizeTriggersOneFlush(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(t, sender, WithBatchSize(3))

	for i := range 4 {
		q.Enqueue("event", map[string]any{"n": i})
	}

	assert.Eventually(t, func() bool { return sender.Count() == 3 }, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	events := sender.Events()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i, e.Payload["n"])
	}

	assert.Equal(t, 1, q.Len())
}

func TestQueue_FlushInterval(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(t, sender, WithFlushInterval(10*time.Millisecond))

	q.Enqueue("pageview", map[string]any{"page": "/"})
	q.Enqueue("event", map[string]any{"action": "click"})

	assert.Eventually(t, func() bool { return sender.Count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_ExplicitFlush(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(t, sender)

	q.Enqueue("event", nil)
	q.Enqueue("event", nil)
	assert.Equal(t, 0, sender.Count())

	q.Flush(context.Background())
	assert.Equal(t, 2, sender.Count())
}

func TestQueue_RetryThenDrop(t *testing.T) {
	sender := &recordingSender{fail: func(*Event, int) bool { return true }}
	q := newTestQueue(t, sender, WithMaxRetries(3))

	q.SendImmediate(context.Background(), "form", map[string]any{"step": "submit"})

	assert.Eventually(t, func() bool { return sender.Count() == 4 }, time.Second, time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	events := sender.Events()
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, i, e.Attempts)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("dropped")))
}

func TestQueue_RetryDelayGrows(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
	)

	sender := SenderFunc(func(ctx context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		return errors.New("unavailable")
	})

	q := newTestQueue(t, sender, WithRetryDelay(20*time.Millisecond), WithMaxRetries(2))
	q.SendImmediate(context.Background(), "event", nil)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(times) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}

func TestQueue_RetrySucceeds(t *testing.T) {
	sender := &recordingSender{fail: func(_ *Event, call int) bool { return call <= 2 }}
	q := newTestQueue(t, sender)

	q.SendImmediate(context.Background(), "puzzle", map[string]any{"puzzle": "p1"})

	assert.Eventually(t, func() bool { return sender.Count() == 3 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, sender.Count())
	assert.Equal(t, float64(1), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("delivered")))
}

func TestQueue_EventsAreDeliveredIndependently(t *testing.T) {
	sender := &recordingSender{fail: func(e *Event, _ int) bool { return e.Payload["bad"] == true }}
	q := newTestQueue(t, sender, WithMaxRetries(0))

	q.Enqueue("event", map[string]any{"n": 1})
	q.Enqueue("event", map[string]any{"n": 2, "bad": true})
	q.Enqueue("event", map[string]any{"n": 3})
	q.Flush(context.Background())

	assert.Equal(t, 3, sender.Count())
	assert.Equal(t, float64(2), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(1), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("dropped")))
}

func TestQueue_OfflineThenOnline(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(t, sender, WithBatchSize(2), WithFlushInterval(5*time.Millisecond))

	q.SetOnline(false)
	for i := range 3 {
		q.Enqueue("event", map[string]any{"n": i})
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sender.Count())

	q.SetOnline(true)

	assert.Eventually(t, func() bool { return sender.Count() == 3 }, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	events := sender.Events()
	require.Len(t, events, 3)

	seen := map[any]bool{}
	for _, e := range events {
		assert.False(t, seen[e.Payload["n"]], "event delivered twice")
		seen[e.Payload["n"]] = true
	}
}

func TestQueue_OfflineHoldsRetries(t *testing.T) {
	sender := &recordingSender{fail: func(_ *Event, call int) bool { return call == 1 }}
	q := newTestQueue(t, sender, WithRetryDelay(20*time.Millisecond))

	q.SendImmediate(context.Background(), "form", nil)
	q.SetOnline(false)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.Count())

	q.SetOnline(true)
	assert.Eventually(t, func() bool { return sender.Count() == 2 }, time.Second, time.Millisecond)
}

func TestQueue_SendBeaconDoesNotRetry(t *testing.T) {
	sender := &recordingSender{fail: func(*Event, int) bool { return true }}
	q := newTestQueue(t, sender)

	q.SendBeacon("event", map[string]any{"action": "leave"})

	assert.Eventually(t, func() bool { return sender.Count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.Count())
}

func TestQueue_CloseSendsSummaryOnce(t *testing.T) {
	sender := &recordingSender{}
	q := newTestQueue(t, sender, WithBatchSize(100))

	q.MarkFunnel("view")
	q.MarkFunnel("start")
	q.MarkFunnel("unknown")
	q.Enqueue("pageview", map[string]any{"page": "/register"})

	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	q.Enqueue("event", nil)
	q.SendBeacon("event", nil)
	q.SetOnline(false)
	q.SetOnline(true)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, sender.Summaries())
	assert.Equal(t, 2, sender.Count(), "summary and the buffered pageview")

	for _, e := range sender.Events() {
		if e.Payload["action"] != "session_summary" {
			continue
		}

		assert.Equal(t, SummaryEndpoint, e.Endpoint)
		assert.Equal(t, "start", e.Payload["furthestStep"])
		assert.Equal(t, map[string]bool{"view": true, "start": true, "complete": false}, e.Payload["funnel"])
	}
}

func TestQueue_LateTimersAreIgnored(t *testing.T) {
	sender := &recordingSender{fail: func(e *Event, _ int) bool { return e.Payload["action"] != "session_summary" }}
	q := newTestQueue(t, sender, WithRetryDelay(20*time.Millisecond))

	q.SendImmediate(context.Background(), "form", nil)
	require.Equal(t, 1, sender.Count())

	require.NoError(t, q.Close(context.Background()))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, sender.Count())
	assert.Equal(t, 1, sender.Summaries())
	assert.Equal(t, float64(1), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("abandoned")))
}

func TestQueue_PayloadEnrichment(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	sender := &recordingSender{}
	q := newTestQueue(t, sender, WithClock(clock), WithSessionID("session-1"))

	mu.Lock()
	now = start.Add(1500 * time.Millisecond)
	mu.Unlock()

	data := map[string]any{"page": "/"}
	q.SendImmediate(context.Background(), "pageview", data)

	require.Equal(t, 1, sender.Count())
	payload := sender.Events()[0].Payload

	assert.Equal(t, "session-1", payload["sessionId"])
	assert.Equal(t, start.Add(1500*time.Millisecond).UnixMilli(), payload["timestamp"])
	assert.Equal(t, int64(1500), payload["timeOnPage"])
	assert.Equal(t, "/", payload["page"])
	assert.Len(t, data, 1, "caller data must not be modified")
}

func TestNewQueue_InvalidOptions(t *testing.T) {
	sender := &recordingSender{}

	_, err := NewQueue(sender, WithBatchSize(0), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)

	_, err = NewQueue(sender, WithFlushInterval(0), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)

	_, err = NewQueue(sender, WithMaxRetries(-1), WithRegisterer(prometheus.NewRegistry()))
	assert.Error(t, err)
}

func TestEngagementScore(t *testing.T) {
	tests := []struct {
		name         string
		duration     time.Duration
		interactions int
		reached      int
		total        int
		want         int
	}{
		{"empty session", 0, 0, 0, 3, 0},
		{"short visit", 90 * time.Second, 1, 1, 3, 5 + 2 + 13},
		{"time is capped", time.Hour, 0, 0, 3, 30},
		{"interactions are capped", 0, 100, 0, 3, 30},
		{"full funnel", 10 * time.Minute, 20, 3, 3, 100},
		{"no funnel", 2 * time.Minute, 5, 0, 0, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EngagementScore(tt.duration, tt.interactions, tt.reached, tt.total))
		})
	}
}

func TestHTTPSender(t *testing.T) {
	var (
		gotPath        string
		gotContentType string
		gotBody        map[string]any
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("content-type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		if r.URL.Path == "/api/analytics/form" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	sender, err := NewHTTPSender(
		ts.URL+"/",
		nil,
		httpclient.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	err = sender.Send(context.Background(), &Event{
		Endpoint: "pageview",
		Payload:  map[string]any{"sessionId": "s1", "page": "/"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/api/analytics/pageview", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "s1", gotBody["sessionId"])

	err = sender.Send(context.Background(), &Event{Endpoint: "form", Payload: map[string]any{}})
	assert.Error(t, err)
}

func TestNewHTTPSender_InvalidURL(t *testing.T) {
	_, err := NewHTTPSender("ftp://example.com", http.DefaultClient)
	assert.Error(t, err)
}

func TestQueue_GoingOfflineMidBatchParksTheRest(t *testing.T) {
	var (
		q   *Queue
		rec = &recordingSender{}
	)

	sender := SenderFunc(func(ctx context.Context, e *Event) error {
		if rec.Count() == 0 {
			q.SetOnline(false)
		}
		return rec.Send(ctx, e)
	})

	q = newTestQueue(t, sender)
	for i := range 5 {
		q.Enqueue("event", map[string]any{"n": i})
	}

	q.Flush(context.Background())
	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, 0, q.Len())

	q.SetOnline(true)

	assert.Eventually(t, func() bool { return rec.Count() == 5 }, time.Second, time.Millisecond)

	for i, e := range rec.Events() {
		assert.Equal(t, i, e.Payload["n"])
		assert.Equal(t, 0, e.Attempts)
	}
	assert.Equal(t, float64(5), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("delivered")))
}

func TestQueue_CloseDuringTickerFlush(t *testing.T) {
	var (
		started = make(chan struct{})
		release = make(chan struct{})
		once    sync.Once
		rec     = &recordingSender{}
	)

	sender := SenderFunc(func(ctx context.Context, e *Event) error {
		if e.Payload["n"] == 0 {
			once.Do(func() { close(started) })
			<-release
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return rec.Send(ctx, e)
	})

	q := newTestQueue(t, sender, WithFlushInterval(10*time.Millisecond))
	for i := range 3 {
		q.Enqueue("event", map[string]any{"n": i})
	}

	<-started

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-closed)
	assert.Equal(t, 4, rec.Count())
	assert.Equal(t, 1, rec.Summaries())
	assert.Equal(t, float64(1), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("delivered")))
	assert.Equal(t, float64(0), testutil.ToFloat64(q.deliveriesTotal.WithLabelValues("abandoned")))
}
