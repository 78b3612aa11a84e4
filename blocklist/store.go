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
	"sort"
	"sync"
	"time"
)

type (
	// Block is the persisted state of one blocked address.
	Block struct {
		IP           string    `json:"ip"`
		BlockedAt    time.Time `json:"blocked_at"`
		BlockedUntil time.Time `json:"blocked_until"`
		Reason       string    `json:"reason"`
		Attempts     int       `json:"attempts"`
	}

	// Store persists blocks. Implementations must make Upsert and
	// the conditional deletes atomic per address.
	Store interface {
		// Get returns the block for ip, expired or not, or
		// ErrNotFound.
		Get(ctx context.Context, ip string) (*Block, error)

		// Upsert creates the block or, when one exists, moves
		// BlockedUntil to the later of the two deadlines, refreshes
		// BlockedAt and Reason and increments Attempts.
		Upsert(ctx context.Context, ip string, now, until time.Time, reason string) (*Block, error)

		// Delete removes the block for ip and reports whether one
		// existed.
		Delete(ctx context.Context, ip string) (bool, error)

		// DeleteIfExpired removes the block for ip only when it is no
		// longer active at now.
		DeleteIfExpired(ctx context.Context, ip string, now time.Time) (bool, error)

		// DeleteExpired removes every block inactive at now.
		DeleteExpired(ctx context.Context, now time.Time) (int64, error)

		// ListActive returns blocks active at now, latest first.
		ListActive(ctx context.Context, now time.Time) ([]*Block, error)
	}

	// MemoryStore is a Store kept in process memory.
	MemoryStore struct {
		mu     sync.Mutex
		blocks map[string]Block
	}
)

var (
	ErrNotFound = errors.New("block not found")

	_ Store = (*MemoryStore)(nil)
)

// Active reports whether the block is in force at now.
func (b *Block) Active(now time.Time) bool {
	return now.Before(b.BlockedUntil)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string]Block)}
}

func (s *MemoryStore) Get(_ context.Context, ip string) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[ip]
	if !ok {
		return nil, ErrNotFound
	}

	return &b, nil
}

func (s *MemoryStore) Upsert(_ context.Context, ip string, now, until time.Time, reason string) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[ip]
	if !ok {
		b = Block{IP: ip, BlockedUntil: until}
	}

	if until.After(b.BlockedUntil) {
		b.BlockedUntil = until
	}
	b.BlockedAt = now
	b.Reason = reason
	b.Attempts++

	s.blocks[ip] = b

	return &b, nil
}

func (s *MemoryStore) Delete(_ context.Context, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.blocks[ip]
	delete(s.blocks, ip)

	return ok, nil
}

func (s *MemoryStore) DeleteIfExpired(_ context.Context, ip string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[ip]
	if !ok || b.Active(now) {
		return false, nil
	}

	delete(s.blocks, ip)
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ip, b := range s.blocks {
		if !b.Active(now) {
			delete(s.blocks, ip)
			n++
		}
	}

	return n, nil
}

func (s *MemoryStore) ListActive(_ context.Context, now time.Time) ([]*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocks := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		if b.Active(now) {
			blocks = append(blocks, &b)
		}
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].BlockedAt.After(blocks[j].BlockedAt)
	})

	return blocks, nil
}

// Len returns the number of stored blocks, active or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.blocks)
}
