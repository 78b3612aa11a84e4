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

package registration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.gearno.de/teamreg/pg"
)

type (
	PGStore struct {
		pg *pg.Client
	}
)

const (
	uniqueViolation = "23505"
)

var (
	_ Store = (*PGStore)(nil)
)

func NewPGStore(client *pg.Client) *PGStore {
	return &PGStore{pg: client}
}

func (s *PGStore) Insert(ctx context.Context, r *Registration) error {
	players, err := json.Marshal(r.Players)
	if err != nil {
		return fmt.Errorf("cannot marshal players: %w", err)
	}

	var phone *string
	if r.Phone != "" {
		phone = &r.Phone
	}

	return s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO registrations (id, team_name, captain_name, email, phone, players, client_ip, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
		_, err := conn.Exec(
			ctx,
			q,
			r.ID,
			r.TeamName,
			r.CaptainName,
			r.Email,
			phone,
			players,
			r.ClientIP,
			r.CreatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrDuplicate
			}

			return fmt.Errorf("cannot insert registration: %w", err)
		}

		return nil
	})
}

func (s *PGStore) List(ctx context.Context) ([]*Registration, error) {
	var rs []*Registration

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT id, team_name, captain_name, email, coalesce(phone, ''), players, client_ip, created_at
FROM registrations
ORDER BY created_at DESC
`
		rows, err := conn.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("cannot query registrations: %w", err)
		}

		rs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Registration, error) {
			var (
				r       Registration
				players []byte
			)

			if err := row.Scan(
				&r.ID,
				&r.TeamName,
				&r.CaptainName,
				&r.Email,
				&r.Phone,
				&players,
				&r.ClientIP,
				&r.CreatedAt,
			); err != nil {
				return nil, err
			}

			if err := json.Unmarshal(players, &r.Players); err != nil {
				return nil, fmt.Errorf("cannot unmarshal players: %w", err)
			}

			return &r, nil
		})
		if err != nil {
			return fmt.Errorf("cannot collect registrations: %w", err)
		}

		return nil
	})

	return rs, err
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		return conn.QueryRow(ctx, "SELECT count(*) FROM registrations").Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("cannot count registrations: %w", err)
	}

	return n, nil
}
