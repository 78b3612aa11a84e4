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

// Package ratelimit provides a fixed window rate limiter whose
// counters live in a durable store.
//
// # Algorithm
//
// Every key owns one row holding a request count and the start of its
// current window. A request for a key:
//
//   - creates the row with count 1 when it does not exist;
//   - resets count to 1 and starts a new window when the current one
//     is at least Window old;
//   - otherwise increments count.
//
// The request is allowed when the resulting count is at most Limit.
// Requests over the limit are still recorded (the count saturates at
// Limit+1), which lets the store report the decision from a single
// atomic statement. The Postgres store uses
// INSERT ... ON CONFLICT DO UPDATE ... RETURNING so that concurrent
// requests sharing a key never lose an update.
//
// Windows are fixed, not sliding: a client may be admitted up to twice
// Limit times in a short span straddling a window boundary.
//
// # Failure policy
//
// Allow returns the store error untouched. Callers decide whether a
// store outage denies (fail closed) or admits (fail open) the request.
//
// # Usage
//
//	limiter := ratelimit.NewLimiter(
//	    ratelimit.NewPGStore(pgClient),
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//
//	result, err := limiter.Allow(ctx, "email:jane@example.com", ratelimit.Rate{
//	    Limit:  1,
//	    Window: time.Hour,
//	})
//	if err != nil {
//	    // fail closed
//	}
//
//	if !result.Allowed {
//	    w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds()))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Metrics
//
//   - ratelimit_requests_total{allowed}
//   - ratelimit_check_duration_seconds{allowed}
//   - ratelimit_cache_hits_total: denials answered from memory
package ratelimit
