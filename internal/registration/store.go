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
	"slices"
	"sort"
	"sync"
)

type (
	// Store persists registrations. Insert returns ErrDuplicate when
	// the email address is already registered.
	Store interface {
		Insert(ctx context.Context, r *Registration) error
		List(ctx context.Context) ([]*Registration, error)
		Count(ctx context.Context) (int, error)
	}

	MemoryStore struct {
		mu      sync.Mutex
		byEmail map[string]*Registration
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byEmail: make(map[string]*Registration)}
}

func (s *MemoryStore) Insert(_ context.Context, r *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(r.Email)
	if _, ok := s.byEmail[email]; ok {
		return ErrDuplicate
	}

	cp := *r
	cp.Players = slices.Clone(r.Players)
	s.byEmail[email] = &cp

	return nil
}

// List returns registrations, newest first.
func (s *MemoryStore) List(_ context.Context) ([]*Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := make([]*Registration, 0, len(s.byEmail))
	for _, r := range s.byEmail {
		cp := *r
		rs = append(rs, &cp)
	}

	sort.Slice(rs, func(i, j int) bool {
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})

	return rs, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.byEmail), nil
}
