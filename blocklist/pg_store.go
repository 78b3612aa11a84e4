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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/teamreg/pg"
)

type (
	// PGStore keeps blocks in the ip_blocks table.
	PGStore struct {
		pg *pg.Client
	}
)

var (
	_ Store = (*PGStore)(nil)
)

const (
	blockColumns = "ip, blocked_at, blocked_until, reason, attempts"
)

func NewPGStore(client *pg.Client) *PGStore {
	return &PGStore{pg: client}
}

func scanBlock(row pgx.Row) (*Block, error) {
	b := &Block{}
	if err := row.Scan(&b.IP, &b.BlockedAt, &b.BlockedUntil, &b.Reason, &b.Attempts); err != nil {
		return nil, err
	}

	return b, nil
}

func (s *PGStore) Get(ctx context.Context, ip string) (*Block, error) {
	var b *Block

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `SELECT ` + blockColumns + ` FROM ip_blocks WHERE ip = $1`

		var err error
		b, err = scanBlock(conn.QueryRow(ctx, q, ip))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("cannot load ip block: %w", err)
	}

	return b, nil
}

func (s *PGStore) Upsert(ctx context.Context, ip string, now, until time.Time, reason string) (*Block, error) {
	var b *Block

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
INSERT INTO ip_blocks (ip, blocked_at, blocked_until, reason, attempts)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (ip)
DO UPDATE SET
    blocked_at = EXCLUDED.blocked_at,
    blocked_until = GREATEST(ip_blocks.blocked_until, EXCLUDED.blocked_until),
    reason = EXCLUDED.reason,
    attempts = ip_blocks.attempts + 1
RETURNING ` + blockColumns

		var err error
		b, err = scanBlock(conn.QueryRow(ctx, q, ip, now, until, reason))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cannot upsert ip block: %w", err)
	}

	return b, nil
}

func (s *PGStore) Delete(ctx context.Context, ip string) (bool, error) {
	return s.delete(ctx, `DELETE FROM ip_blocks WHERE ip = $1`, ip)
}

func (s *PGStore) DeleteIfExpired(ctx context.Context, ip string, now time.Time) (bool, error) {
	return s.delete(ctx, `DELETE FROM ip_blocks WHERE ip = $1 AND blocked_until <= $2`, ip, now)
}

func (s *PGStore) delete(ctx context.Context, q string, args ...any) (bool, error) {
	var deleted bool

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		tag, err := conn.Exec(ctx, q, args...)
		if err != nil {
			return err
		}

		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cannot delete ip block: %w", err)
	}

	return deleted, nil
}

func (s *PGStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var rowsDeleted int64

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `DELETE FROM ip_blocks WHERE blocked_until <= $1`

		tag, err := conn.Exec(ctx, q, now)
		if err != nil {
			return err
		}

		rowsDeleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cannot delete expired ip blocks: %w", err)
	}

	return rowsDeleted, nil
}

func (s *PGStore) ListActive(ctx context.Context, now time.Time) ([]*Block, error) {
	var blocks []*Block

	err := s.pg.WithConn(ctx, func(conn pg.Conn) error {
		q := `
SELECT ` + blockColumns + `
FROM ip_blocks
WHERE blocked_until > $1
ORDER BY blocked_at DESC
`
		rows, err := conn.Query(ctx, q, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			b, err := scanBlock(rows)
			if err != nil {
				return fmt.Errorf("cannot scan row: %w", err)
			}

			blocks = append(blocks, b)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("cannot list ip blocks: %w", err)
	}

	return blocks, nil
}
