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

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/teamreg/internal/promutil"
	"go.gearno.de/teamreg/internal/sanitize"
	"go.gearno.de/teamreg/internal/version"
	"go.gearno.de/teamreg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter is a fixed window rate limiter backed by a Store.
	Limiter struct {
		store      Store
		logger     *log.Logger
		tracer     trace.Tracer
		registerer prometheus.Registerer
		now        func() time.Time

		blockedCache sync.Map // key+limit+window -> resetAt (time.Time)

		requestsTotal  *prometheus.CounterVec
		checkDuration  *prometheus.HistogramVec
		cacheHitsTotal prometheus.Counter
	}

	// Rate defines the rate limit parameters.
	Rate struct {
		// Limit is the maximum number of requests allowed within the
		// Window duration.
		Limit int

		// Window is the time duration for the rate limit window.
		Window time.Duration
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the maximum number of requests allowed in the window.
		Limit int

		// Remaining is the number of requests remaining in the current window.
		Remaining int

		// RetryAfter is how long a denied caller must wait for the
		// window to reset. Zero when Allowed.
		RetryAfter time.Duration

		// ResetAt is the time when the current window resets.
		ResetAt time.Time
	}
)

var (
	ErrInvalidRate = errors.New("invalid rate")
)

const (
	tracerName = "go.gearno.de/teamreg/ratelimit"
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a rate limiter persisting its counters in store.
func NewLimiter(store Store, options ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		registerer: prometheus.DefaultRegisterer,
		now:        time.Now,
	}

	for _, o := range options {
		o(l)
	}

	l.registerMetrics(l.registerer)

	return l
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = promutil.Register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "requests_total",
				Help:      "Total number of rate limit checks.",
			},
			[]string{"allowed"},
		),
	)

	l.checkDuration = promutil.Register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of rate limit checks in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"allowed"},
		),
	)

	l.cacheHitsTotal = promutil.Register(
		r,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "cache_hits_total",
				Help:      "Total number of denials answered from the local cache.",
			},
		),
	)
}

// Allow records one request for key and reports whether it fits in
// rate. Store errors are returned as is; the caller picks the
// failure policy.
func (l *Limiter) Allow(ctx context.Context, key string, rate Rate) (*Result, error) {
	if rate.Limit < 1 || rate.Window <= 0 {
		return nil, fmt.Errorf("%w: limit=%d window=%s", ErrInvalidRate, rate.Limit, rate.Window)
	}

	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.key", key),
				attribute.Int("ratelimit.limit", rate.Limit),
				attribute.Int64("ratelimit.window_ms", rate.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	// The store keeps millisecond precision.
	now := time.UnixMilli(l.now().UnixMilli())

	// Fast path: a key denied in its current window stays denied
	// until the window resets.
	cacheKey := fmt.Sprintf("%s:%d:%d", key, rate.Limit, rate.Window.Milliseconds())
	if v, ok := l.blockedCache.Load(cacheKey); ok {
		resetAt := v.(time.Time)
		if now.Before(resetAt) {
			l.cacheHitsTotal.Inc()

			if rootSpan.IsRecording() {
				span.SetAttributes(
					attribute.Bool("ratelimit.allowed", false),
					attribute.Bool("ratelimit.cache_hit", true),
				)
			}

			l.recordMetrics(false, time.Since(start))

			return &Result{
				Allowed:    false,
				Limit:      rate.Limit,
				Remaining:  0,
				RetryAfter: resetAt.Sub(now),
				ResetAt:    resetAt,
			}, nil
		}
		l.blockedCache.Delete(cacheKey)
	}

	record, err := l.store.Hit(ctx, key, rate.Limit, rate.Window, now)
	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(sanitize.Error(err))
			span.SetStatus(codes.Error, sanitize.ToValidUTF8(err.Error()))
		}

		return nil, fmt.Errorf("cannot check rate limit: %w", err)
	}

	result := evaluate(record, rate, now)
	if !result.Allowed {
		l.blockedCache.Store(cacheKey, result.ResetAt)
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.Bool("ratelimit.cache_hit", false),
			attribute.Int("ratelimit.count", record.Count),
			attribute.Int("ratelimit.remaining", result.Remaining),
		)
	}

	l.recordMetrics(result.Allowed, time.Since(start))

	return result, nil
}

func evaluate(record *Record, rate Rate, now time.Time) *Result {
	resetAt := record.WindowStart.Add(rate.Window)

	if record.Count > rate.Limit {
		return &Result{
			Allowed:    false,
			Limit:      rate.Limit,
			Remaining:  0,
			RetryAfter: resetAt.Sub(now),
			ResetAt:    resetAt,
		}
	}

	return &Result{
		Allowed:   true,
		Limit:     rate.Limit,
		Remaining: rate.Limit - record.Count,
		ResetAt:   resetAt,
	}
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds,
// suitable for a Retry-After header.
func (r *Result) RetryAfterSeconds() int {
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Cleanup removes records whose window started more than olderThan
// ago. olderThan must be at least the longest window in use, otherwise
// a live window could be forgotten early.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Cleanup",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.Int64("ratelimit.cleanup_older_than_ms", olderThan.Milliseconds()),
			),
		)
		defer span.End()
	}

	now := l.now()

	rowsDeleted, err := l.store.DeleteOlderThan(ctx, now.Add(-olderThan))
	if err != nil {
		if rootSpan.IsRecording() {
			span.RecordError(sanitize.Error(err))
			span.SetStatus(codes.Error, sanitize.ToValidUTF8(err.Error()))
		}

		return 0, fmt.Errorf("cannot cleanup rate limits: %w", err)
	}

	l.blockedCache.Range(func(k, v any) bool {
		if !now.Before(v.(time.Time)) {
			l.blockedCache.Delete(k)
		}
		return true
	})

	if rootSpan.IsRecording() {
		span.SetAttributes(attribute.Int64("ratelimit.rows_deleted", rowsDeleted))
	}

	l.logger.InfoCtx(ctx, "rate limit cleanup completed",
		log.Int64("rows_deleted", rowsDeleted),
		log.Duration("older_than", olderThan),
	)

	return rowsDeleted, nil
}

func (l *Limiter) recordMetrics(allowed bool, duration time.Duration) {
	label := promutil.BoolLabel(allowed)

	l.requestsTotal.WithLabelValues(label).Inc()
	l.checkDuration.WithLabelValues(label).Observe(duration.Seconds())
}
