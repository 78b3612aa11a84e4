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

// Package blocklist implements the IP block gate: a durable table of
// blocked addresses consulted before any other request processing.
//
// A block is either active (now < BlockedUntil) or expired. Expired
// blocks are removed lazily when read and by the periodic Sweep; the
// sweep is only storage hygiene. Blocking an already blocked address
// extends the deadline and increments Attempts.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	Option func(g *Gate)

	// Gate decides whether an address is blocked and manages blocks.
	Gate struct {
		store      Store
		logger     *log.Logger
		tracer     trace.Tracer
		registerer prometheus.Registerer
		now        func() time.Time

		checksTotal      *prometheus.CounterVec
		checkErrorsTotal prometheus.Counter
		blocksTotal      prometheus.Counter
	}

	// Status is the answer of IsBlocked. BlockedUntil, Reason and
	// Attempts are only set when Blocked is true and must never be
	// shown to the blocked caller.
	Status struct {
		Blocked      bool
		BlockedUntil time.Time
		Reason       string
		Attempts     int
	}
)

const (
	tracerName = "go.gearno.de/teamreg/blocklist"
)

// WithLogger sets a custom logger for the gate.
func WithLogger(l *log.Logger) Option {
	return func(g *Gate) {
		g.logger = l.Named("blocklist")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) {
		g.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(g *Gate) {
		g.registerer = r
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func NewGate(store Store, options ...Option) *Gate {
	g := &Gate{
		store:      store,
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		registerer: prometheus.DefaultRegisterer,
		now:        time.Now,
	}

	for _, o := range options {
		o(g)
	}

	g.checksTotal = promutil.Register(
		g.registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "blocklist",
				Name:      "checks_total",
				Help:      "Total number of block checks.",
			},
			[]string{"blocked"},
		),
	)

	g.checkErrorsTotal = promutil.Register(
		g.registerer,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "blocklist",
				Name:      "check_errors_total",
				Help:      "Total number of block checks that failed to reach the store.",
			},
		),
	)

	g.blocksTotal = promutil.Register(
		g.registerer,
		prometheus.NewCounter(
			prometheus.CounterOpts{
				Subsystem: "blocklist",
				Name:      "blocks_total",
				Help:      "Total number of blocks created or extended.",
			},
		),
	)

	return g
}

func (g *Gate) startSpan(ctx context.Context, name, ip string) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	return g.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("blocklist.ip", ip)),
	)
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	if err != nil {
		span.RecordError(sanitize.Error(err))
		span.SetStatus(codes.Error, sanitize.ToValidUTF8(err.Error()))
	}

	span.SetAttributes(attrs...)
	span.End()
}

// IsBlocked reports whether ip is blocked now. An expired block is
// deleted and reported as not blocked.
func (g *Gate) IsBlocked(ctx context.Context, ip string) (status *Status, err error) {
	ctx, span := g.startSpan(ctx, "blocklist.IsBlocked", ip)
	defer func() {
		var attrs []attribute.KeyValue
		if status != nil {
			attrs = append(attrs, attribute.Bool("blocklist.blocked", status.Blocked))
		}
		endSpan(span, err, attrs...)
	}()

	block, err := g.store.Get(ctx, ip)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			g.checksTotal.WithLabelValues(promutil.BoolLabel(false)).Inc()
			return &Status{Blocked: false}, nil
		}

		g.checkErrorsTotal.Inc()
		return nil, fmt.Errorf("cannot check ip block: %w", err)
	}

	now := g.now()
	if !block.Active(now) {
		// Conditional delete: a concurrent re-block moved the
		// deadline forward and must survive.
		if _, err := g.store.DeleteIfExpired(ctx, ip, now); err != nil {
			g.logger.WarnCtx(ctx, "cannot delete expired ip block",
				log.String("ip", ip),
				log.Error(err),
			)
		}

		g.checksTotal.WithLabelValues(promutil.BoolLabel(false)).Inc()
		return &Status{Blocked: false}, nil
	}

	g.checksTotal.WithLabelValues(promutil.BoolLabel(true)).Inc()

	return &Status{
		Blocked:      true,
		BlockedUntil: block.BlockedUntil,
		Reason:       block.Reason,
		Attempts:     block.Attempts,
	}, nil
}

// Block blocks ip for d from now. An existing block is extended, never
// shortened.
func (g *Gate) Block(ctx context.Context, ip string, d time.Duration, reason string) (block *Block, err error) {
	ctx, span := g.startSpan(ctx, "blocklist.Block", ip)
	defer func() { endSpan(span, err) }()

	if d <= 0 {
		return nil, fmt.Errorf("invalid block duration %s", d)
	}

	now := g.now()

	block, err = g.store.Upsert(ctx, ip, now, now.Add(d), reason)
	if err != nil {
		return nil, fmt.Errorf("cannot block ip: %w", err)
	}

	g.blocksTotal.Inc()

	g.logger.WarnCtx(ctx, "ip blocked",
		log.String("ip", ip),
		log.String("reason", reason),
		log.Time("blocked_until", block.BlockedUntil),
		log.Int("attempts", block.Attempts),
	)

	return block, nil
}

// Unblock removes the block on ip. Unblocking an address that is not
// blocked succeeds and returns false.
func (g *Gate) Unblock(ctx context.Context, ip string) (unblocked bool, err error) {
	ctx, span := g.startSpan(ctx, "blocklist.Unblock", ip)
	defer func() { endSpan(span, err) }()

	deleted, err := g.store.Delete(ctx, ip)
	if err != nil {
		return false, fmt.Errorf("cannot unblock ip: %w", err)
	}

	if deleted {
		g.logger.InfoCtx(ctx, "ip unblocked", log.String("ip", ip))
	}

	return deleted, nil
}

// List returns the blocks currently in force.
func (g *Gate) List(ctx context.Context) ([]*Block, error) {
	blocks, err := g.store.ListActive(ctx, g.now())
	if err != nil {
		return nil, fmt.Errorf("cannot list blocks: %w", err)
	}

	return blocks, nil
}

// Sweep deletes every expired block. It is safe to run concurrently
// with traffic.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	deleted, err := g.store.DeleteExpired(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("cannot sweep expired blocks: %w", err)
	}

	g.logger.InfoCtx(ctx, "ip block sweep completed", log.Int64("rows_deleted", deleted))

	return deleted, nil
}
