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

// Package scheduler runs named maintenance tasks at a fixed interval,
// outside of request handling, with a start/stop lifecycle tied to
// the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/teamreg/internal/promutil"
	"go.gearno.de/teamreg/log"
)

type (
	// TaskFunc must be idempotent: the scheduler gives no guarantee
	// that a run happens exactly once per interval.
	TaskFunc func(ctx context.Context) error

	Task struct {
		Name     string
		Interval time.Duration
		Run      TaskFunc
	}

	Option func(s *Scheduler)

	Scheduler struct {
		logger     *log.Logger
		registerer prometheus.Registerer
		runOnStart bool

		mu      sync.Mutex
		tasks   []Task
		cancel  context.CancelFunc
		wg      sync.WaitGroup
		started bool

		runsTotal   *prometheus.CounterVec
		runDuration *prometheus.HistogramVec
	}
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// WithLogger sets a custom logger for the scheduler.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l.Named("scheduler")
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Scheduler) {
		s.registerer = r
	}
}

// WithRunOnStart runs every task once as soon as the scheduler
// starts, instead of waiting for the first tick.
func WithRunOnStart(b bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = b
	}
}

func NewScheduler(options ...Option) *Scheduler {
	s := &Scheduler{
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		registerer: prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(s)
	}

	s.runsTotal = promutil.Register(
		s.registerer,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "scheduler",
				Name:      "task_runs_total",
				Help:      "Total number of task runs by result.",
			},
			[]string{"task", "result"},
		),
	)

	s.runDuration = promutil.Register(
		s.registerer,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "scheduler",
				Name:      "task_duration_seconds",
				Help:      "Duration of task runs in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task"},
		),
	)

	return s
}

// Register adds a task. Tasks must be registered before Start.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return fmt.Errorf("cannot register task: empty name")
	}

	if t.Interval <= 0 {
		return fmt.Errorf("cannot register task %q: interval must be positive", t.Name)
	}

	if t.Run == nil {
		return fmt.Errorf("cannot register task %q: nil run function", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	for _, existing := range s.tasks {
		if existing.Name == t.Name {
			return fmt.Errorf("cannot register task %q: already registered", t.Name)
		}
	}

	s.tasks = append(s.tasks, t)

	return nil
}

// Start launches one goroutine per task. Tasks stop when ctx is
// canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, t)
		}()
	}

	return nil
}

// Stop cancels every task and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}

// RunNow runs the named task synchronously, outside of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var task *Task
	for i := range s.tasks {
		if s.tasks[i].Name == name {
			task = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()

	if task == nil {
		return fmt.Errorf("cannot run task %q: not registered", name)
	}

	return s.run(ctx, *task)
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	logger := s.logger.With(log.String("task", t.Name))

	logger.InfoCtx(ctx, "starting task loop", log.Duration("interval", t.Interval))

	if s.runOnStart {
		_ = s.run(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "stopping task loop")
			return
		case <-ticker.C:
			_ = s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}

		s.runDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())

		if err != nil {
			s.runsTotal.WithLabelValues(t.Name, "error").Inc()
			s.logger.ErrorCtx(ctx, "task failed",
				log.String("task", t.Name),
				log.Error(err),
			)
			return
		}

		s.runsTotal.WithLabelValues(t.Name, "success").Inc()
	}()

	return t.Run(ctx)
}
