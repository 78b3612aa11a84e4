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

// Package analytics ingests client telemetry events and aggregates
// them for the admin dashboard. Every field received from clients is
// untrusted: payloads are validated and labels sanitized before they
// are stored.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.gearno.de/teamreg/internal/sanitize"
	"go.gearno.de/teamreg/internal/validation"
	"go.gearno.de/teamreg/log"
)

type (
	Kind string

	// Event is the stored form of every ingested payload.
	Event struct {
		Kind       Kind
		SessionID  string
		Name       string
		Category   string
		Label      string
		Error      string
		Success    *bool
		Value      *float64
		Attempts   *int
		ClientIP   string
		OccurredAt time.Time
	}

	PageviewPayload struct {
		SessionID  string `json:"sessionId" validate:"required,max=100"`
		Timestamp  int64  `json:"timestamp" validate:"required,gt=0"`
		TimeOnPage int64  `json:"timeOnPage" validate:"gte=0"`
		Page       string `json:"page" validate:"required"`
		Referrer   string `json:"referrer"`
	}

	InteractionPayload struct {
		SessionID  string   `json:"sessionId" validate:"required,max=100"`
		Timestamp  int64    `json:"timestamp" validate:"required,gt=0"`
		TimeOnPage int64    `json:"timeOnPage" validate:"gte=0"`
		Category   string   `json:"category" validate:"required"`
		Action     string   `json:"action" validate:"required"`
		Label      string   `json:"label"`
		Value      *float64 `json:"value"`
	}

	PuzzlePayload struct {
		SessionID  string  `json:"sessionId" validate:"required,max=100"`
		Timestamp  int64   `json:"timestamp" validate:"required,gt=0"`
		TimeOnPage int64   `json:"timeOnPage" validate:"gte=0"`
		PuzzleID   string  `json:"puzzleId" validate:"required"`
		Solved     bool    `json:"solved"`
		Attempts   int     `json:"attempts" validate:"gte=0"`
		TimeSpent  float64 `json:"timeSpent" validate:"gte=0"`
	}

	FormPayload struct {
		SessionID  string `json:"sessionId" validate:"required,max=100"`
		Timestamp  int64  `json:"timestamp" validate:"required,gt=0"`
		TimeOnPage int64  `json:"timeOnPage" validate:"gte=0"`
		Step       string `json:"step" validate:"required,oneof=view start field submit error complete"`
		Field      string `json:"field"`
		Error      string `json:"error"`
	}

	Option func(s *Service)

	Service struct {
		store       Store
		validator   *validation.Validator
		logger      *log.Logger
		funnelSteps []string
	}
)

const (
	KindPageview Kind = "pageview"
	KindEvent    Kind = "event"
	KindPuzzle   Kind = "puzzle"
	KindForm     Kind = "form"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")

	DefaultFunnelSteps = []string{"view", "start", "complete"}
)

// ParseKind returns the kind named s or ErrUnknownKind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPageview, KindEvent, KindPuzzle, KindForm:
		return k, nil
	default:
		return "", ErrUnknownKind
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		s.logger = l.Named("analytics")
	}
}

// WithFunnelSteps sets the ordered form steps reported as the funnel
// of the dashboard.
func WithFunnelSteps(steps ...string) Option {
	return func(s *Service) {
		s.funnelSteps = steps
	}
}

func NewService(store Store, options ...Option) *Service {
	s := &Service{
		store:       store,
		validator:   validation.New(),
		logger:      log.NewLogger(log.WithOutput(io.Discard)),
		funnelSteps: DefaultFunnelSteps,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Ingest decodes, validates and stores one event of the given kind.
// Malformed or invalid payloads return a *validation.Error and are
// not stored.
func (s *Service) Ingest(ctx context.Context, kind Kind, body []byte, clientIP string) error {
	e, err := s.decode(kind, body)
	if err != nil {
		return err
	}

	e.ClientIP = clientIP

	if err := s.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("cannot store %s event: %w", kind, err)
	}

	s.logger.DebugCtx(ctx, "analytics event stored",
		log.String("kind", string(kind)),
		log.String("name", e.Name),
	)

	return nil
}

func (s *Service) decode(kind Kind, body []byte) (*Event, error) {
	switch kind {
	case KindPageview:
		var p PageviewPayload
		if err := s.unmarshal(body, &p); err != nil {
			return nil, err
		}

		return &Event{
			Kind:       kind,
			SessionID:  sanitize.Label(p.SessionID),
			Name:       sanitize.Label(p.Page),
			Label:      sanitize.Label(p.Referrer),
			Value:      ptr(float64(p.TimeOnPage)),
			OccurredAt: time.UnixMilli(p.Timestamp).UTC(),
		}, nil

	case KindEvent:
		var p InteractionPayload
		if err := s.unmarshal(body, &p); err != nil {
			return nil, err
		}

		return &Event{
			Kind:       kind,
			SessionID:  sanitize.Label(p.SessionID),
			Name:       sanitize.Label(p.Action),
			Category:   sanitize.Label(p.Category),
			Label:      sanitize.Label(p.Label),
			Value:      p.Value,
			OccurredAt: time.UnixMilli(p.Timestamp).UTC(),
		}, nil

	case KindPuzzle:
		var p PuzzlePayload
		if err := s.unmarshal(body, &p); err != nil {
			return nil, err
		}

		return &Event{
			Kind:       kind,
			SessionID:  sanitize.Label(p.SessionID),
			Name:       sanitize.Label(p.PuzzleID),
			Success:    ptr(p.Solved),
			Value:      ptr(p.TimeSpent),
			Attempts:   ptr(p.Attempts),
			OccurredAt: time.UnixMilli(p.Timestamp).UTC(),
		}, nil

	case KindForm:
		var p FormPayload
		if err := s.unmarshal(body, &p); err != nil {
			return nil, err
		}

		return &Event{
			Kind:       kind,
			SessionID:  sanitize.Label(p.SessionID),
			Name:       p.Step,
			Label:      sanitize.Label(p.Field),
			Error:      sanitize.Label(p.Error),
			OccurredAt: time.UnixMilli(p.Timestamp).UTC(),
		}, nil
	}

	return nil, ErrUnknownKind
}

func (s *Service) unmarshal(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &validation.Error{
			Fields: []validation.FieldError{{Field: "body", Message: "body must be a valid JSON object"}},
		}
	}

	return s.validator.Struct(v)
}

// Dashboard aggregates every stored event.
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	d, err := s.store.Dashboard(ctx, s.funnelSteps)
	if err != nil {
		return nil, fmt.Errorf("cannot compute dashboard: %w", err)
	}

	return d, nil
}

func ptr[T any](v T) *T {
	return &v
}
