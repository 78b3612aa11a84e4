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

// Package abuse counts authentication failures per client address in
// process memory and escalates repeated offenders into the durable
// block list.
//
// The counters are not persisted and restart from zero with the
// process; the block they produce is what must survive.
package abuse

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/teamreg/blocklist"
	"go.gearno.de/teamreg/internal/promutil"
	"go.gearno.de/teamreg/log"
)

type (
	// Blocker is the part of the block gate the tracker escalates to.
	Blocker interface {
		Block(ctx context.Context, ip string, d time.Duration, reason string) (*blocklist.Block, error)
	}

	Option func(t *Tracker)

	// Tracker is safe for concurrent use.
	Tracker struct {
		blocker       Blocker
		logger        *log.Logger
		registerer    prometheus.Registerer
		now           func() time.Time
		maxAttempts   int
		blockDuration time.Duration
		horizon       time.Duration
		reason        string

		mu      sync.Mutex
		entries map[string]*entry

		failuresTotal    prometheus.Counter
		escalationsTotal *prometheus.CounterVec
	}

	entry struct {
		count       int
		lastAttempt time.Time
	}
)

const (
	DefaultMaxAttempts   = 5
	DefaultBlockDuration = 30 * time.Minute
	DefaultHorizon       = time.Hour
	DefaultReason        = "too many failed admin authentication attempts"
)

// WithLogger sets a custom logger for the tracker.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.logger = l.Named("abuse")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(t *Tracker) {
		t.registerer = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithMaxAttempts sets the failure count from which an address gets
// blocked.
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		t.maxAttempts = n
	}
}

func WithBlockDuration(d time.Duration) Option {
	return func(t *Tracker) {
		t.blockDuration = d
	}
}

// WithHorizon sets how long an address is remembered after its last
// failure.
func WithHorizon(d time.Duration) Option {
	return func(t *Tracker) {
		t.horizon = d
	}
}

func WithReason(reason string) Option {
	return func(t *Tracker) {
		t.reason = reason
	}
}

func NewTracker(blocker Blocker, options ...Option) *Tracker {
	t := &Tracker{
		blocker:       blocker,
		logger:        log.NewLogger(log.WithOutput(io.Discard)),
		registerer:    prometheus.DefaultRegisterer,
		now:           time.Now,
		maxAttempts:   DefaultMaxAttempts,
		blockDuration: DefaultBlockDuration,
		horizon:       DefaultHorizon,
		reason:        DefaultReason,
		entries:       make(map[string]*entry),
	}

	for _, o := range options {
		o(t)
	}

	t.failuresTotal = promutil.Register(
		t.registerer,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "abuse",
				Name:      "failures_total",
				Help:      "Total number of recorded authentication failures.",
			},
		),
	)

	t.escalationsTotal = promutil.Register(
		t.registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "abuse",
				Name:      "escalations_total",
				Help:      "Total number of block escalations by outcome.",
			},
			[]string{"result"},
		),
	)

	return t
}

// RecordFailure counts one failure for ip. Once the count reaches the
// threshold every further failure blocks ip again, which extends the
// block and increments its attempts. The returned error only reports
// a failed escalation; the failure itself is always counted.
func (t *Tracker) RecordFailure(ctx context.Context, ip string) (bool, error) {
	t.failuresTotal.Inc()

	t.mu.Lock()
	e, ok := t.entries[ip]
	if !ok {
		e = &entry{}
		t.entries[ip] = e
	}
	e.count++
	e.lastAttempt = t.now()
	count := e.count
	t.mu.Unlock()

	if count < t.maxAttempts {
		t.logger.InfoCtx(ctx, "authentication failure recorded",
			log.String("ip", ip),
			log.Int("count", count),
		)

		return false, nil
	}

	if _, err := t.blocker.Block(ctx, ip, t.blockDuration, t.reason); err != nil {
		t.escalationsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cannot escalate %q to block list: %w", ip, err)
	}

	t.escalationsTotal.WithLabelValues("blocked").Inc()

	t.logger.WarnCtx(ctx, "authentication failures escalated to block",
		log.String("ip", ip),
		log.Int("count", count),
		log.Duration("block_duration", t.blockDuration),
	)

	return true, nil
}

// Failures returns the current failure count of ip.
func (t *Tracker) Failures(ip string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[ip]; ok {
		return e.count
	}

	return 0
}

// Sweep forgets addresses whose last failure is older than the
// horizon and returns how many were dropped.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.horizon)
	n := 0
	for ip, e := range t.entries {
		if e.lastAttempt.Before(cutoff) {
			delete(t.entries, ip)
			n++
		}
	}

	return n
}

// SweepTask adapts Sweep to the scheduler task signature.
func (t *Tracker) SweepTask(ctx context.Context) error {
	n := t.Sweep(t.now())
	t.logger.InfoCtx(ctx, "abuse tracker sweep completed", log.Int("entries_deleted", n))

	return nil
}
