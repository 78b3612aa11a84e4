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
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/teamreg/blocklist"
	"go.gearno.de/teamreg/httpserver"
	"go.gearno.de/teamreg/internal/analytics"
	"go.gearno.de/teamreg/internal/sanitize"
	"go.gearno.de/teamreg/internal/validation"
	"go.gearno.de/teamreg/log"
)

type (
	createBlockRequest struct {
		IP              string `json:"ip" validate:"required,ip"`
		DurationMinutes int    `json:"durationMinutes" validate:"required,gt=0,lte=525600"`
		Reason          string `json:"reason" validate:"max=200"`
	}

	dashboardResponse struct {
		Analytics     *analytics.Dashboard `json:"analytics"`
		Registrations int                  `json:"registrations"`
		ActiveBlocks  int                  `json:"activeBlocks"`
	}
)

const (
	adminKeyHeader = "X-Admin-Key"
	adminKeyQuery  = "key"

	manualBlockReason = "blocked by an administrator"
)

// adminKey returns the key presented by the caller: header first,
// then query string, then the adminKey field of a JSON body. The body
// is restored for the handler.
func (a *API) adminKey(w http.ResponseWriter, r *http.Request) string {
	if k := r.Header.Get(adminKeyHeader); k != "" {
		return k
	}

	if k := r.URL.Query().Get(adminKeyQuery); k != "" {
		return k
	}

	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}

	body, err := a.readBody(w, r)
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var payload struct {
		AdminKey string `json:"adminKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	return payload.AdminKey
}

func (a *API) validAdminKey(k string) bool {
	if a.cfg.AdminKey == "" || k == "" {
		return false
	}

	got := sha256.Sum256([]byte(k))
	want := sha256.Sum256([]byte(a.cfg.AdminKey))

	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.validAdminKey(a.adminKey(w, r)) {
			next.ServeHTTP(w, r)
			return
		}

		var (
			ctx = r.Context()
			ip  = httpserver.RequestClientIP(r)
		)

		blocked, err := a.svc.Tracker.RecordFailure(ctx, ip)
		if err != nil {
			a.logger.ErrorCtx(ctx, "cannot escalate admin authentication failures", log.Error(err))
		}

		a.logger.WarnCtx(ctx, "admin authentication failed",
			log.String("ip", ip),
			log.Bool("blocked", blocked),
		)

		httpserver.RenderError(w, http.StatusUnauthorized, errUnauthorized)
	})
}

func (a *API) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	d, err := a.svc.Analytics.Dashboard(ctx)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot load dashboard", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	n, err := a.svc.Registrations.Count(ctx)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot count registrations", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	blocks, err := a.svc.Gate.List(ctx)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot list blocks", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	httpserver.RenderJSON(
		w,
		http.StatusOK,
		dashboardResponse{
			Analytics:     d,
			Registrations: n,
			ActiveBlocks:  len(blocks),
		},
	)
}

func (a *API) listRegistrations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rs, err := a.svc.Registrations.List(ctx)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot list registrations", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, map[string]any{"registrations": rs})
}

func (a *API) listBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	blocks, err := a.svc.Gate.List(ctx)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot list blocks", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	if blocks == nil {
		blocks = []*blocklist.Block{}
	}

	httpserver.RenderJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (a *API) createBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := a.readBody(w, r)
	if err != nil {
		renderValidationError(w, invalidBody())
		return
	}

	var req createBlockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		renderValidationError(w, invalidBody())
		return
	}

	req.IP = strings.TrimSpace(req.IP)
	req.Reason = sanitize.Label(req.Reason)

	if err := a.validator.Struct(&req); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			renderValidationError(w, verr)
			return
		}

		a.logger.ErrorCtx(ctx, "cannot validate block request", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	if req.Reason == "" {
		req.Reason = manualBlockReason
	}

	block, err := a.svc.Gate.Block(ctx, req.IP, time.Duration(req.DurationMinutes)*time.Minute, req.Reason)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot block address", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	httpserver.RenderJSON(w, http.StatusCreated, block)
}

func (a *API) deleteBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := chi.URLParam(r, "ip")

	unblocked, err := a.svc.Gate.Unblock(ctx, ip)
	if err != nil {
		a.logger.ErrorCtx(ctx, "cannot unblock address", log.Error(err))
		httpserver.RenderError(w, http.StatusInternalServerError, errInternal)
		return
	}

	httpserver.RenderJSON(w, http.StatusOK, map[string]bool{"unblocked": unblocked})
}
