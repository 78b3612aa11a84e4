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

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.gearno.de/teamreg/pg"
)

type (
	// PGStore keeps records in the rate_limits table. Timestamps are
	// stored as Unix milliseconds.
	PGStore struct {
		pg *pg.Client
	}
)

var (
	_ Store = (*PGStore)(nil)
)

func NewPGStore(client *pg.Client) *PGStore {
	return &PGStore{pg: client}
}

func (s *PGStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Record, error) {
	var (
		r = Record{Key: key}

		windowStart int64
		lastRequest int64
	)

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO rate_limits (key, count, window_start, last_request)
VALUES ($1, 1, $2::bigint, $2::bigint)
ON CONFLICT (key)
DO UPDATE SET
    count = CASE
        WHEN $2::bigint - rate_limits.window_start >= $3::bigint THEN 1
        ELSE LEAST(rate_limits.count + 1, $4::integer + 1)
    END,
    window_start = CASE
        WHEN $2::bigint - rate_limits.window_start >= $3::bigint THEN $2::bigint
        ELSE rate_limits.window_start
    END,
    last_request = $2::bigint
RETURNING count, window_start, last_request
`
		row := conn.QueryRow(ctx, q, key, now.UnixMilli(), window.Milliseconds(), limit)
		return row.Scan(&r.Count, &windowStart, &lastRequest)
	})
	if err != nil {
		return nil, fmt.Errorf("cannot upsert rate limit record: %w", err)
	}

	r.WindowStart = time.UnixMilli(windowStart)
	r.LastRequest = time.UnixMilli(lastRequest)

	return &r, nil
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var rowsDeleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM rate_limits WHERE window_start < $1`

		tag, err := conn.Exec(ctx, q, cutoff.UnixMilli())
		if err != nil {
			return err
		}

		rowsDeleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cannot delete rate limit records: %w", err)
	}

	return rowsDeleted, nil
}
