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

package analytics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/teamreg/pg"
)

type (
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

func (s *PGStore) Insert(ctx context.Context, e *Event) error {
	return s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO analytics_events (kind, session_id, name, category, label, error, success, value, attempts, client_ip, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
		_, err := conn.Exec(
			ctx,
			q,
			string(e.Kind),
			e.SessionID,
			e.Name,
			e.Category,
			e.Label,
			e.Error,
			e.Success,
			e.Value,
			e.Attempts,
			e.ClientIP,
			e.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("cannot insert analytics event: %w", err)
		}

		return nil
	})
}

// Dashboard runs every aggregation in a single round trip.
func (s *PGStore) Dashboard(ctx context.Context, funnelSteps []string) (*Dashboard, error) {
	d := &Dashboard{ByKind: make(map[Kind]int)}

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		batch := &pgx.Batch{}

		batch.Queue(`SELECT kind, count(*) FROM analytics_events GROUP BY kind`).
			Query(func(rows pgx.Rows) error {
				var (
					kind string
					n    int
				)

				_, err := pgx.ForEachRow(rows, []any{&kind, &n}, func() error {
					d.ByKind[Kind(kind)] = n
					d.TotalEvents += n
					return nil
				})
				return err
			})

		batch.Queue(`SELECT count(DISTINCT session_id) FROM analytics_events`).
			QueryRow(func(row pgx.Row) error {
				return row.Scan(&d.UniqueSessions)
			})

		stepSessions := make(map[string]int, len(funnelSteps))
		batch.Queue(
			`
SELECT name, count(DISTINCT session_id)
FROM analytics_events
WHERE kind = 'form' AND name = ANY($1)
GROUP BY name
`,
			funnelSteps,
		).Query(func(rows pgx.Rows) error {
			var (
				step string
				n    int
			)

			_, err := pgx.ForEachRow(rows, []any{&step, &n}, func() error {
				stepSessions[step] = n
				return nil
			})
			return err
		})

		batch.Queue(
			`
SELECT label, count(*)
FROM analytics_events
WHERE kind = 'form' AND name = 'error'
GROUP BY label
ORDER BY count(*) DESC, label
LIMIT $1
`,
			maxFormErrors,
		).Query(func(rows pgx.Rows) error {
			var err error
			d.FormErrors, err = pgx.CollectRows(rows, pgx.RowToStructByPos[LabelCount])
			return err
		})

		batch.Queue(
			`
SELECT name, count(*)
FROM analytics_events
WHERE kind = 'pageview'
GROUP BY name
ORDER BY count(*) DESC, name
LIMIT $1
`,
			maxTopPages,
		).Query(func(rows pgx.Rows) error {
			var err error
			d.TopPages, err = pgx.CollectRows(rows, pgx.RowToStructByPos[LabelCount])
			return err
		})

		batch.Queue(`
SELECT name, count(*), count(*) FILTER (WHERE success)
FROM analytics_events
WHERE kind = 'puzzle'
GROUP BY name
ORDER BY name
`).Query(func(rows pgx.Rows) error {
			var err error
			d.Puzzles, err = pgx.CollectRows(rows, pgx.RowToStructByPos[PuzzleStats])
			return err
		})

		if err := conn.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("cannot run dashboard queries: %w", err)
		}

		d.Funnel = make([]FunnelStep, 0, len(funnelSteps))
		for _, step := range funnelSteps {
			d.Funnel = append(d.Funnel, FunnelStep{Step: step, Sessions: stepSessions[step]})
		}
		d.CompletionRate = completionRate(d.Funnel)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}
