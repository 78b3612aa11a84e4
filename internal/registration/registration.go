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

// Package registration validates and stores tournament team
// registrations.
package registration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.gearno.de/crypto/uuid"
	"go.gearno.de/teamreg/internal/sanitize"
	"go.gearno.de/teamreg/internal/validation"
	"go.gearno.de/teamreg/log"
)

type (
	Registration struct {
		ID          string    `json:"id"`
		TeamName    string    `json:"teamName"`
		CaptainName string    `json:"captainName"`
		Email       string    `json:"email"`
		Phone       string    `json:"phone,omitempty"`
		Players     []string  `json:"players"`
		ClientIP    string    `json:"-"`
		CreatedAt   time.Time `json:"createdAt"`
	}

	// Request is the payload submitted by the public form.
	Request struct {
		TeamName    string   `json:"teamName" validate:"required,min=2,max=100"`
		CaptainName string   `json:"captainName" validate:"required,min=2,max=100"`
		Email       string   `json:"email" validate:"required,email,max=254"`
		Phone       string   `json:"phone,omitempty" validate:"omitempty,phone"`
		Players     []string `json:"players" validate:"required,min=1,max=10,dive,required,max=100"`
	}

	Option func(s *Service)

	Service struct {
		store     Store
		validator *validation.Validator
		logger    *log.Logger
		now       func() time.Time
	}
)

var (
	// ErrDuplicate is returned when a team already registered with
	// the same email address.
	ErrDuplicate = errors.New("a team is already registered with this email")
)

// WithLogger sets a custom logger for the service.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		s.logger = l.Named("registration")
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store Store, options ...Option) *Service {
	s := &Service{
		store:     store,
		validator: validation.New(),
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
		now:       time.Now,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// NormalizeEmail returns the form of an email address used for
// duplicate detection and rate limiting.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Normalize sanitizes every free text field of the request in place.
// Empty player names are kept so that validation reports them.
func (r *Request) Normalize() {
	r.TeamName = sanitize.String(r.TeamName, 0)
	r.CaptainName = sanitize.String(r.CaptainName, 0)
	r.Email = NormalizeEmail(r.Email)
	r.Phone = sanitize.String(r.Phone, 0)

	for i, p := range r.Players {
		r.Players[i] = sanitize.String(p, 0)
	}
}

// Validate normalizes and validates the request. It returns a
// *validation.Error describing every invalid field.
func (s *Service) Validate(req *Request) error {
	req.Normalize()
	return s.validator.Struct(req)
}

// Register validates req and stores it. Nothing is stored when the
// request is invalid.
func (s *Service) Register(ctx context.Context, req Request, clientIP string) (*Registration, error) {
	if err := s.Validate(&req); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("cannot generate registration id: %w", err)
	}

	r := &Registration{
		ID:          id.String(),
		TeamName:    req.TeamName,
		CaptainName: req.CaptainName,
		Email:       req.Email,
		Phone:       req.Phone,
		Players:     req.Players,
		ClientIP:    clientIP,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.store.Insert(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, err
		}

		return nil, fmt.Errorf("cannot store registration: %w", err)
	}

	s.logger.InfoCtx(ctx, "team registered",
		log.String("registration_id", r.ID),
		log.Int("players", len(r.Players)),
	)

	return r, nil
}

func (s *Service) List(ctx context.Context) ([]*Registration, error) {
	rs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot list registrations: %w", err)
	}

	return rs, nil
}

func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("cannot count registrations: %w", err)
	}

	return n, nil
}
