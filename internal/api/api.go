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

// Package api exposes the public registration and analytics endpoints
// and the admin surface over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/teamreg/abuse"
	"go.gearno.de/teamreg/blocklist"
	"go.gearno.de/teamreg/httpserver"
	"go.gearno.de/teamreg/internal/analytics"
	"go.gearno.de/teamreg/internal/registration"
	"go.gearno.de/teamreg/internal/validation"
	"go.gearno.de/teamreg/log"
	"go.gearno.de/teamreg/ratelimit"
)

type (
	// RateConfig is a rate limit as read from the configuration file.
	// Window is in seconds.
	RateConfig struct {
		Limit  int `json:"limit"`
		Window int `json:"window"`
	}

	Config struct {
		AdminKey      string     `json:"admin-key"`
		EmailRate     RateConfig `json:"email-rate"`
		IPRate        RateConfig `json:"ip-rate"`
		AnalyticsRate RateConfig `json:"analytics-rate"`
		MaxBodySize   int64      `json:"max-body-size"`
	}

	// Services are the domain components the handlers delegate to.
	Services struct {
		Gate          *blocklist.Gate
		Tracker       *abuse.Tracker
		Limiter       *ratelimit.Limiter
		Registrations *registration.Service
		Analytics     *analytics.Service
	}

	Option func(a *API)

	API struct {
		cfg       Config
		svc       Services
		validator *validation.Validator
		logger    *log.Logger
	}
)

var (
	errServiceUnavailable = errors.New("service temporarily unavailable")
	errInternal           = errors.New("internal error")
	errNotFound           = errors.New("not found")
	errUnauthorized       = errors.New("invalid admin key")
)

// DefaultConfig returns the limits used when the configuration file
// leaves them out.
func DefaultConfig() Config {
	return Config{
		EmailRate:     RateConfig{Limit: 1, Window: 3600},
		IPRate:        RateConfig{Limit: 3, Window: 3600},
		AnalyticsRate: RateConfig{Limit: 120, Window: 60},
		MaxBodySize:   64 << 10,
	}
}

// Normalize replaces unset or non-positive limits with the defaults.
func (c Config) Normalize() Config {
	defaults := DefaultConfig()
	if c.EmailRate.Limit < 1 || c.EmailRate.Window < 1 {
		c.EmailRate = defaults.EmailRate
	}
	if c.IPRate.Limit < 1 || c.IPRate.Window < 1 {
		c.IPRate = defaults.IPRate
	}
	if c.AnalyticsRate.Limit < 1 || c.AnalyticsRate.Window < 1 {
		c.AnalyticsRate = defaults.AnalyticsRate
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaults.MaxBodySize
	}

	return c
}

// LongestWindow returns the widest window of the configured limits.
func (c Config) LongestWindow() time.Duration {
	return max(
		c.EmailRate.Rate().Window,
		c.IPRate.Rate().Window,
		c.AnalyticsRate.Rate().Window,
	)
}

func (c RateConfig) Rate() ratelimit.Rate {
	return ratelimit.Rate{
		Limit:  c.Limit,
		Window: time.Duration(c.Window) * time.Second,
	}
}

// WithLogger sets a custom logger for the handlers.
func WithLogger(l *log.Logger) Option {
	return func(a *API) {
		a.logger = l.Named("api")
	}
}

func New(cfg Config, svc Services, options ...Option) *API {
	a := &API{
		cfg:       cfg,
		svc:       svc,
		validator: validation.New(),
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(a)
	}

	a.cfg = a.cfg.Normalize()

	return a
}

// Handler returns the router. The block gate runs before any other
// middleware or handler.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(a.svc.Gate.Middleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpserver.RenderError(w, http.StatusNotFound, errNotFound)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/registrations", a.createRegistration)
		r.Post("/analytics/{kind}", a.ingestAnalytics)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdmin)

			r.Get("/dashboard", a.dashboard)
			r.Get("/registrations", a.listRegistrations)
			r.Get("/blocks", a.listBlocks)
			r.Post("/blocks", a.createBlock)
			r.Delete("/blocks/{ip}", a.deleteBlock)
		})
	})

	return r
}

func renderValidationError(w http.ResponseWriter, verr *validation.Error) {
	httpserver.RenderJSON(
		w,
		http.StatusBadRequest,
		map[string]any{
			"error":   httpserver.ErrorCode(http.StatusBadRequest),
			"message": "validation failed",
			"fields":  verr.Fields,
		},
	)
}

func invalidBody() *validation.Error {
	return &validation.Error{
		Fields: []validation.FieldError{{Field: "body", Message: "body must be a valid JSON object"}},
	}
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodySize))
}
