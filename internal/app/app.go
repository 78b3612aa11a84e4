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

// Package app wires the stores, gates and handlers of teamreg into
// a component run by unit.
package app

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/teamreg/abuse"
	"go.gearno.de/teamreg/blocklist"
	"go.gearno.de/teamreg/httpserver"
	"go.gearno.de/teamreg/internal/analytics"
	"go.gearno.de/teamreg/internal/api"
	"go.gearno.de/teamreg/internal/migrations"
	"go.gearno.de/teamreg/internal/registration"
	"go.gearno.de/teamreg/log"
	"go.gearno.de/teamreg/migrator"
	"go.gearno.de/teamreg/pg"
	"go.gearno.de/teamreg/ratelimit"
	"go.gearno.de/teamreg/scheduler"
	"go.opentelemetry.io/otel/trace"
)

type (
	// App implements unit.Runnable, unit.Configurable,
	// unit.EnvConfigurable and unit.Redactable.
	App struct {
		cfg Config
	}

	Config struct {
		HTTP        HTTPConfig        `json:"http"`
		Database    DatabaseConfig    `json:"database"`
		API         api.Config        `json:"api"`
		Abuse       AbuseConfig       `json:"abuse"`
		Maintenance MaintenanceConfig `json:"maintenance"`
	}

	HTTPConfig struct {
		Addr              string `json:"addr"`
		TrustProxy        bool   `json:"trust-proxy"`
		ReadHeaderTimeout int    `json:"read-header-timeout"`
		IdleTimeout       int    `json:"idle-timeout"`
	}

	DatabaseConfig struct {
		Addr           string `json:"addr"`
		User           string `json:"user"`
		Password       string `json:"password"`
		Database       string `json:"database"`
		PoolSize       int32  `json:"pool-size"`
		ConnectTimeout int    `json:"connect-timeout"`
		CAFile         string `json:"ca-file"`
		Debug          bool   `json:"debug"`
	}

	// AbuseConfig durations are in seconds.
	AbuseConfig struct {
		MaxAttempts   int `json:"max-attempts"`
		BlockDuration int `json:"block-duration"`
		Horizon       int `json:"horizon"`
	}

	// MaintenanceConfig durations are in seconds.
	MaintenanceConfig struct {
		RateLimitRetention     int `json:"rate-limit-retention"`
		RateLimitCleanupPeriod int `json:"rate-limit-cleanup-period"`
		BlockSweepPeriod       int `json:"block-sweep-period"`
		AbuseSweepPeriod       int `json:"abuse-sweep-period"`
	}
)

const (
	EnvAdminKey         = "TEAMREG_ADMIN_KEY"
	EnvDatabasePassword = "TEAMREG_DATABASE_PASSWORD"

	redacted = "[REDACTED]"
)

func New() *App {
	return &App{
		cfg: Config{
			HTTP: HTTPConfig{
				Addr:              ":8080",
				ReadHeaderTimeout: 5,
				IdleTimeout:       15,
			},
			Database: DatabaseConfig{
				Addr:           "localhost:5432",
				User:           "teamreg",
				Database:       "teamreg",
				PoolSize:       10,
				ConnectTimeout: 5,
			},
			API: api.DefaultConfig(),
			Abuse: AbuseConfig{
				MaxAttempts:   abuse.DefaultMaxAttempts,
				BlockDuration: int(abuse.DefaultBlockDuration / time.Second),
				Horizon:       int(abuse.DefaultHorizon / time.Second),
			},
			Maintenance: MaintenanceConfig{
				RateLimitRetention:     3600,
				RateLimitCleanupPeriod: 3600,
				BlockSweepPeriod:       600,
				AbuseSweepPeriod:       600,
			},
		},
	}
}

// validate rejects values that would silently disable a protection:
// abuse escalation that never blocks, blocks that expire at once, or
// rate limit counters deleted before their window closes.
func (c Config) validate() error {
	var errs []error

	if c.Abuse.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("abuse.max-attempts must be positive, got %d", c.Abuse.MaxAttempts))
	}
	if c.Abuse.BlockDuration < 1 {
		errs = append(errs, fmt.Errorf("abuse.block-duration must be positive, got %d", c.Abuse.BlockDuration))
	}
	if c.Abuse.Horizon < 1 {
		errs = append(errs, fmt.Errorf("abuse.horizon must be positive, got %d", c.Abuse.Horizon))
	}

	retention := time.Duration(c.Maintenance.RateLimitRetention) * time.Second
	if window := c.API.Normalize().LongestWindow(); retention < window {
		errs = append(errs, fmt.Errorf("maintenance.rate-limit-retention must be at least %d, the longest rate limit window, got %d",
			int(window/time.Second), c.Maintenance.RateLimitRetention))
	}

	periods := []struct {
		name  string
		value int
	}{
		{"maintenance.rate-limit-cleanup-period", c.Maintenance.RateLimitCleanupPeriod},
		{"maintenance.block-sweep-period", c.Maintenance.BlockSweepPeriod},
		{"maintenance.abuse-sweep-period", c.Maintenance.AbuseSweepPeriod},
	}
	for _, p := range periods {
		if p.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.value))
		}
	}

	return errors.Join(errs...)
}

func (a *App) GetConfiguration() any {
	return &a.cfg
}

// LoadEnvironment applies the secrets found in the environment on top
// of the configuration file.
func (a *App) LoadEnvironment(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAdminKey); ok {
		a.cfg.API.AdminKey = v
	}

	if v, ok := lookup(EnvDatabasePassword); ok {
		a.cfg.Database.Password = v
	}

	return nil
}

func (a *App) RedactedConfiguration() any {
	cfg := a.cfg

	if cfg.API.AdminKey != "" {
		cfg.API.AdminKey = redacted
	}

	if cfg.Database.Password != "" {
		cfg.Database.Password = redacted
	}

	return cfg
}

func (a *App) Run(
	ctx context.Context,
	l *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	if a.cfg.API.AdminKey == "" {
		return fmt.Errorf("missing admin key: set api.admin-key or %s", EnvAdminKey)
	}

	if err := a.cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pgOptions := []pg.Option{
		pg.WithLogger(l),
		pg.WithAddr(a.cfg.Database.Addr),
		pg.WithUser(a.cfg.Database.User),
		pg.WithPassword(a.cfg.Database.Password),
		pg.WithDatabase(a.cfg.Database.Database),
		pg.WithPoolSize(a.cfg.Database.PoolSize),
		pg.WithConnectTimeout(time.Duration(a.cfg.Database.ConnectTimeout) * time.Second),
		pg.WithTracerProvider(tp),
		pg.WithRegisterer(r),
	}

	if a.cfg.Database.CAFile != "" {
		certs, err := loadCertificates(a.cfg.Database.CAFile)
		if err != nil {
			return fmt.Errorf("cannot load database ca file: %w", err)
		}

		pgOptions = append(pgOptions, pg.WithTLS(certs))
	}

	if a.cfg.Database.Debug {
		pgOptions = append(pgOptions, pg.WithQueryLogging())
	}

	pgClient, err := pg.NewClient(pgOptions...)
	if err != nil {
		return fmt.Errorf("cannot create pg client: %w", err)
	}
	defer pgClient.Close()

	if err := pgClient.Ping(ctx); err != nil {
		return fmt.Errorf("cannot reach database: %w", err)
	}

	if err := migrator.NewMigrator(pgClient, migrations.FS, migrator.WithLogger(l)).Run(ctx); err != nil {
		return fmt.Errorf("cannot migrate database: %w", err)
	}

	var (
		gate = blocklist.NewGate(
			blocklist.NewPGStore(pgClient),
			blocklist.WithLogger(l),
			blocklist.WithTracerProvider(tp),
			blocklist.WithRegisterer(r),
		)

		tracker = abuse.NewTracker(
			gate,
			abuse.WithLogger(l),
			abuse.WithRegisterer(r),
			abuse.WithMaxAttempts(a.cfg.Abuse.MaxAttempts),
			abuse.WithBlockDuration(time.Duration(a.cfg.Abuse.BlockDuration)*time.Second),
			abuse.WithHorizon(time.Duration(a.cfg.Abuse.Horizon)*time.Second),
		)

		limiter = ratelimit.NewLimiter(
			ratelimit.NewPGStore(pgClient),
			ratelimit.WithLogger(l),
			ratelimit.WithTracerProvider(tp),
			ratelimit.WithRegisterer(r),
		)

		registrations = registration.NewService(
			registration.NewPGStore(pgClient),
			registration.WithLogger(l),
		)

		events = analytics.NewService(
			analytics.NewPGStore(pgClient),
			analytics.WithLogger(l),
		)
	)

	sched := scheduler.NewScheduler(
		scheduler.WithLogger(l),
		scheduler.WithRegisterer(r),
		scheduler.WithRunOnStart(true),
	)

	retention := time.Duration(a.cfg.Maintenance.RateLimitRetention) * time.Second
	tasks := []scheduler.Task{
		{
			Name:     "ratelimit-cleanup",
			Interval: time.Duration(a.cfg.Maintenance.RateLimitCleanupPeriod) * time.Second,
			Run: func(ctx context.Context) error {
				_, err := limiter.Cleanup(ctx, retention)
				return err
			},
		},
		{
			Name:     "block-sweep",
			Interval: time.Duration(a.cfg.Maintenance.BlockSweepPeriod) * time.Second,
			Run: func(ctx context.Context) error {
				_, err := gate.Sweep(ctx)
				return err
			},
		},
		{
			Name:     "abuse-sweep",
			Interval: time.Duration(a.cfg.Maintenance.AbuseSweepPeriod) * time.Second,
			Run:      tracker.SweepTask,
		},
	}

	for _, t := range tasks {
		if err := sched.Register(t); err != nil {
			return fmt.Errorf("cannot register %q task: %w", t.Name, err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("cannot start scheduler: %w", err)
	}
	defer sched.Stop()

	handler := api.New(
		a.cfg.API,
		api.Services{
			Gate:          gate,
			Tracker:       tracker,
			Limiter:       limiter,
			Registrations: registrations,
			Analytics:     events,
		},
		api.WithLogger(l),
	).Handler()

	server := httpserver.NewServer(
		a.cfg.HTTP.Addr,
		handler,
		httpserver.WithLogger(l),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(r),
		httpserver.WithTrustProxy(a.cfg.HTTP.TrustProxy),
		httpserver.WithReadHeaderTimeout(time.Duration(a.cfg.HTTP.ReadHeaderTimeout)*time.Second),
		httpserver.WithIdleTimeout(time.Duration(a.cfg.HTTP.IdleTimeout)*time.Second),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		l.Info("starting api server", log.String("addr", server.Addr))

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http requests: %w", err)
		}
		close(serverErrCh)
	}()

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	l.Info("shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown api server: %w", err)
	}

	return nil
}

func loadCertificates(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read file: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %q", filename)
	}

	return certs, nil
}
