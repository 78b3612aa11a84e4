// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package eventqueue is the client side of the analytics pipeline: it
// buffers events, delivers them in batches, retries failed deliveries
// with a linearly growing delay, holds everything while offline and
// sends a session summary through a best-effort beacon on Close.
//
// Delivery errors are never returned to the caller. Telemetry is best
// effort and an event is dropped once its retries are exhausted.
package eventqueue

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/teamreg/internal/promutil"
	"go.gearno.de/teamreg/log"
)

type (
	Option func(q *Queue)

	// Queue is safe for concurrent use. Enqueue never blocks on the
	// network.
	Queue struct {
		sender        Sender
		logger        *log.Logger
		registerer    prometheus.Registerer
		now           func() time.Time
		batchSize     int
		flushInterval time.Duration
		maxRetries    int
		retryDelay    time.Duration
		beaconTimeout time.Duration
		funnelSteps   []string
		sessionID     string
		startedAt     time.Time

		ctx          context.Context
		cancel       context.CancelFunc
		tickerCancel context.CancelFunc
		wg           sync.WaitGroup
		closeOnce    sync.Once

		mu           sync.Mutex
		buffer       []*Event
		retryPending []*Event
		timers       map[uint64]*time.Timer
		nextTimerID  uint64
		online       bool
		closed       bool
		funnel       map[string]bool
		interactions int

		deliveriesTotal *prometheus.CounterVec
	}
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second
	DefaultBeaconTimeout = 5 * time.Second
)

var (
	DefaultFunnelSteps = []string{"view", "start", "complete"}
)

// WithLogger sets a custom logger for the queue.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) {
		q.logger = l.Named("eventqueue")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(q *Queue) {
		q.registerer = r
	}
}

// WithClock replaces time.Now for event timestamps and the session
// summary. Timers always use the real clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func WithBatchSize(n int) Option {
	return func(q *Queue) {
		q.batchSize = n
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.flushInterval = d
	}
}

// WithMaxRetries sets how many times a failed event is retried. An
// event is sent at most n+1 times.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		q.maxRetries = n
	}
}

// WithRetryDelay sets the base retry delay; the n-th retry waits
// n times this delay.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.retryDelay = d
	}
}

func WithBeaconTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.beaconTimeout = d
	}
}

// WithFunnelSteps sets the ordered milestones tracked by MarkFunnel.
func WithFunnelSteps(steps ...string) Option {
	return func(q *Queue) {
		q.funnelSteps = slices.Clone(steps)
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(q *Queue) {
		q.sessionID = id
	}
}

// NewQueue returns an online queue and starts its flush ticker. Close
// must be called to release it.
func NewQueue(sender Sender, options ...Option) (*Queue, error) {
	q := &Queue{
		sender:        sender,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		registerer:    prometheus.DefaultRegisterer,
		now:           time.Now,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		maxRetries:    DefaultMaxRetries,
		retryDelay:    DefaultRetryDelay,
		beaconTimeout: DefaultBeaconTimeout,
		funnelSteps:   DefaultFunnelSteps,
		timers:        make(map[uint64]*time.Timer),
		funnel:        make(map[string]bool),
		online:        true,
	}

	for _, o := range options {
		o(q)
	}

	if q.batchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", q.batchSize)
	}

	if q.flushInterval <= 0 {
		return nil, fmt.Errorf("invalid flush interval %s", q.flushInterval)
	}

	if q.maxRetries < 0 {
		return nil, fmt.Errorf("invalid max retries %d", q.maxRetries)
	}

	if q.sessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("cannot generate session id: %w", err)
		}

		q.sessionID = id.String()
	}

	q.deliveriesTotal = promutil.Register(
		q.registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "eventqueue",
				Name:      "deliveries_total",
				Help:      "Total number of event delivery outcomes.",
			},
			[]string{"result"},
		),
	)

	q.startedAt = q.now()
	q.ctx, q.cancel = context.WithCancel(context.Background())

	var tickerCtx context.Context
	tickerCtx, q.tickerCancel = context.WithCancel(q.ctx)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.tick(tickerCtx)
	}()

	return q, nil
}

// SessionID returns the id attached to every event of the queue.
func (q *Queue) SessionID() string {
	return q.sessionID
}

// Len returns the number of events buffered for the next flush.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.buffer)
}

// Enqueue buffers an event. When the buffer reaches the batch size
// the first batch is cut immediately and delivered in the background.
func (q *Queue) Enqueue(endpoint string, data map[string]any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.interactions++
	q.buffer = append(q.buffer, q.newEventLocked(endpoint, data))

	var batch []*Event
	if q.online && len(q.buffer) >= q.batchSize {
		batch = q.buffer[:q.batchSize]
		q.buffer = slices.Clone(q.buffer[q.batchSize:])
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if batch != nil {
		go func() {
			defer q.wg.Done()
			q.deliverAll(q.ctx, batch)
		}()
	}
}

// Flush delivers a snapshot of the buffer. Events enqueued while the
// flush is in flight wait for the next one. Nothing happens while
// offline.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.closed || !q.online || len(q.buffer) == 0 {
		q.mu.Unlock()
		return
	}

	batch := q.buffer
	q.buffer = nil
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()
	q.deliverAll(ctx, batch)
}

// SendImmediate delivers a critical event right away, bypassing the
// buffer. A failed delivery goes through the regular retry path.
func (q *Queue) SendImmediate(ctx context.Context, endpoint string, data map[string]any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.interactions++
	e := q.newEventLocked(endpoint, data)

	if !q.online {
		q.retryPending = append(q.retryPending, e)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.deliver(ctx, e)
}

// SendBeacon sends an event once, in the background, without retry.
func (q *Queue) SendBeacon(endpoint string, data map[string]any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.interactions++
	e := q.newEventLocked(endpoint, data)
	q.wg.Add(1)
	q.mu.Unlock()

	go q.beacon(e)
}

// SetOnline records connectivity. Going back online delivers every
// event held while offline, buffered ones and retries alike.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	if q.closed || q.online == online {
		q.mu.Unlock()
		return
	}

	q.online = online
	if !online {
		q.mu.Unlock()
		q.logger.Info("event queue offline, holding deliveries")
		return
	}

	batch := append(q.buffer, q.retryPending...)
	q.buffer = nil
	q.retryPending = nil
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.Info("event queue online", log.Int("pending_events", len(batch)))

	go func() {
		defer q.wg.Done()
		q.deliverAll(q.ctx, batch)
	}()
}

// MarkFunnel records that the session reached step. Steps not part
// of the configured funnel are ignored.
func (q *Queue) MarkFunnel(step string) {
	if !slices.Contains(q.funnelSteps, step) {
		q.logger.Debug("ignoring unknown funnel step", log.String("step", step))
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.funnel[step] = true
}

// Summary computes the session summary as of now.
func (q *Queue) Summary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.summaryLocked()
}

func (q *Queue) summaryLocked() Summary {
	s := Summary{
		SessionDuration: q.now().Sub(q.startedAt),
		Interactions:    q.interactions,
		Funnel:          make(map[string]bool, len(q.funnelSteps)),
	}

	reached := 0
	for _, step := range q.funnelSteps {
		s.Funnel[step] = q.funnel[step]
		if q.funnel[step] {
			reached++
			s.FurthestStep = step
		}
	}

	s.EngagementScore = EngagementScore(s.SessionDuration, s.Interactions, reached, len(q.funnelSteps))

	return s
}

// Close sends the session summary and any undelivered buffered event
// through the beacon path, stops every timer and waits for in-flight
// deliveries until ctx is done. Only the first call has an effect.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		err = q.close(ctx)
	})

	return err
}

func (q *Queue) close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true

	for id, t := range q.timers {
		if t.Stop() {
			q.deliveriesTotal.WithLabelValues("abandoned").Inc()
		}
		delete(q.timers, id)
	}

	summary := q.newEventLocked(SummaryEndpoint, q.summaryLocked().payload())
	leftovers := append(q.buffer, q.retryPending...)
	q.buffer = nil
	q.retryPending = nil

	q.wg.Add(1 + len(leftovers))
	q.mu.Unlock()

	q.tickerCancel()

	go q.beacon(summary)
	for _, e := range leftovers {
		go q.beacon(e)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("cannot drain event queue: %w", ctx.Err())
	}
}

func (q *Queue) newEventLocked(endpoint string, data map[string]any) *Event {
	now := q.now()

	payload := make(map[string]any, len(data)+3)
	maps.Copy(payload, data)
	payload["sessionId"] = q.sessionID
	payload["timestamp"] = now.UnixMilli()
	payload["timeOnPage"] = now.Sub(q.startedAt).Milliseconds()

	return &Event{
		Endpoint:  endpoint,
		Payload:   payload,
		CreatedAt: now,
	}
}

func (q *Queue) tick(ctx context.Context) {
	ticker := time.NewTicker(q.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// q.ctx outlives the ticker so that a flush in flight
			// during Close is not failed by the ticker shutdown.
			q.Flush(q.ctx)
		}
	}
}

// deliverAll sends events in order. Going offline parks the unsent
// events with the pending retries, attempts unchanged; closing hands
// them to the beacon path.
func (q *Queue) deliverAll(ctx context.Context, events []*Event) {
	for i, e := range events {
		q.mu.Lock()
		switch {
		case q.closed:
			rest := events[i:]
			q.wg.Add(len(rest))
			q.mu.Unlock()

			for _, e := range rest {
				go q.beacon(e)
			}
			return
		case !q.online:
			q.retryPending = append(q.retryPending, events[i:]...)
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.deliver(ctx, e)
	}
}

func (q *Queue) deliver(ctx context.Context, e *Event) {
	if err := q.sender.Send(ctx, e); err != nil {
		q.deliveriesTotal.WithLabelValues("failed").Inc()
		q.logger.DebugCtx(ctx, "cannot deliver event",
			log.String("endpoint", e.Endpoint),
			log.Int("attempts", e.Attempts),
			log.Error(err),
		)

		q.scheduleRetry(e)
		return
	}

	q.deliveriesTotal.WithLabelValues("delivered").Inc()
}

func (q *Queue) scheduleRetry(e *Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.deliveriesTotal.WithLabelValues("abandoned").Inc()
		return
	}

	if e.Attempts >= q.maxRetries {
		q.deliveriesTotal.WithLabelValues("dropped").Inc()
		q.logger.Debug("dropping event after exhausting retries",
			log.String("endpoint", e.Endpoint),
			log.Int("attempts", e.Attempts),
		)
		return
	}

	e.Attempts++

	id := q.nextTimerID
	q.nextTimerID++
	q.timers[id] = time.AfterFunc(
		q.retryDelay*time.Duration(e.Attempts),
		func() { q.retry(id, e) },
	)
}

func (q *Queue) retry(id uint64, e *Event) {
	q.mu.Lock()
	if _, ok := q.timers[id]; !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)

	if !q.online {
		q.retryPending = append(q.retryPending, e)
		q.mu.Unlock()
		return
	}

	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()
	q.deliver(q.ctx, e)
}

func (q *Queue) beacon(e *Event) {
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), q.beaconTimeout)
	defer cancel()

	if err := q.sender.Send(ctx, e); err != nil {
		q.deliveriesTotal.WithLabelValues("beacon_failed").Inc()
		q.logger.DebugCtx(ctx, "cannot send beacon",
			log.String("endpoint", e.Endpoint),
			log.Error(err),
		)
		return
	}

	q.deliveriesTotal.WithLabelValues("beacon_delivered").Inc()
}
