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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/teamreg/httpserver"
	"go.gearno.de/teamreg/internal/analytics"
	"go.gearno.de/teamreg/internal/registration"
	"go.gearno.de/teamreg/internal/validation"
	"go.gearno.de/teamreg/log"
	"go.gearno.de/teamreg/ratelimit"
)

type (
	// limitCheck is one rate limit a request must pass.
	limitCheck struct {
		key  string
		rate ratelimit.Rate
	}
)

// allowAll runs checks in order and stops at the first denial.
func (a *API) allowAll(ctx context.Context, checks ...limitCheck) (bool, error) {
	for _, c := range checks {
		res, err := a.svc.Limiter.Allow(ctx, c.key, c.rate)
		if err != nil {
			return false, err
		}

		if !res.Allowed {
			return false, nil
		}
	}

	return true, nil
}

func (a *API) createRegistration(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context()
		ip  = httpserver.RequestClientIP(r)
	)

	body, err := a.readBody(w, r)
	if err != nil {
		renderValidationError(w, invalidBody())
		return
	}

	var req registration.Request
	if err := json.Unmarshal(body, &req); err != nil {
		renderValidationError(w, invalidBody())
		return
	}

	if err := a.svc.Registrations.Validate(&req); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			renderValidationError(w, verr)
			return
		}

		a.logger.ErrorCtx(ctx, "cannot validate registration", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	// Fails closed: without a working limiter nothing is registered.
	allowed, err := a.allowAll(
		ctx,
		limitCheck{key: fmt.Sprintf("ip:%s", ip), rate: a.cfg.IPRate.Rate()},
		limitCheck{key: fmt.Sprintf("email:%s", req.Email), rate: a.cfg.EmailRate.Rate()},
	)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot check registration rate limits", log.Error(err))
		httpserver.RenderError(w, http.StatusServiceUnavailable, errServiceUnavailable)
		return
	}

	if !allowed {
		a.logger.InfoCtx(ctx, "registration rate limited", log.String("ip", ip))
		httpserver.RenderTooManyRequests(w)
		return
	}

	reg, err := a.svc.Registrations.Register(ctx, req, ip)
	if err != nil {
		var verr *validation.Error

		switch {
		case errors.As(err, &verr):
			renderValidationError(w, verr)
		case errors.Is(err, registration.ErrDuplicate):
			httpserver.RenderError(w, http.StatusConflict, registration.ErrDuplicate)
		default:
			a.logger.ErrorCtx(ctx, "cannot register team", log.Error(err))
			httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		}

		return
	}

	httpserver.RenderJSON(w, http.StatusCreated, reg)
}

func (a *API) ingestAnalytics(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context()
		ip  = httpserver.RequestClientIP(r)
	)

	kind, err := analytics.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpserver.RenderError(w, http.StatusNotFound, errNotFound)
		return
	}

	// Fails open: a limiter outage only costs unthrottled telemetry.
	allowed, err := a.allowAll(
		ctx,
		limitCheck{key: fmt.Sprintf("analytics:ip:%s", ip), rate: a.cfg.AnalyticsRate.Rate()},
	)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot check analytics rate limit", log.Error(err))
		allowed = true
	}

	if !allowed {
		httpserver.RenderTooManyRequests(w)
		return
	}

	body, err := a.readBody(w, r)
	if err != nil {
		renderValidationError(w, invalidBody())
		return
	}

	if err := a.svc.Analytics.Ingest(ctx, kind, body, ip); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			renderValidationError(w, verr)
			return
		}

		a.logger.ErrorCtx(ctx, "cannot ingest analytics event", log.Error(err))
		httpserver.RenderError(w, http.StatusServiceUnavailable, errServiceUnavailable)
		return
	}

	httpserver.RenderJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}
