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

package blocklist

import (
	"net/http"

	"go.gearno.de/teamreg/httpserver"
	"go.gearno.de/teamreg/log"
)

// Middleware rejects requests coming from a blocked address with a
// generic 429 before any other processing. When the store cannot be
// reached the request is let through.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := httpserver.RequestClientIP(r)

		status, err := g.IsBlocked(ctx, ip)
		if err != nil {
			g.logger.ErrorCtx(ctx, "cannot check ip block, letting request through",
				log.String("ip", ip),
				log.Error(err),
			)

			next.ServeHTTP(w, r)
			return
		}

		if status.Blocked {
			g.logger.InfoCtx(ctx, "rejected request from blocked ip",
				log.String("ip", ip),
				log.Time("blocked_until", status.BlockedUntil),
			)

			httpserver.RenderTooManyRequests(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}
