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
	"sync"
	"time"
)

type (
	// Record is the persisted state of one rate limited key.
	Record struct {
		Key         string
		Count       int
		WindowStart time.Time
		LastRequest time.Time
	}

	// Store persists rate limit records.
	Store interface {
		// Hit records one request for key at now and returns the
		// record as it is after the update. The read-modify-write
		// must be atomic per key. Count never exceeds limit+1.
		Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (*Record, error)

		// DeleteOlderThan removes records whose window started
		// before cutoff and returns how many were removed.
		DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	}

	// MemoryStore is a Store kept in process memory. It has the same
	// semantics as PGStore but does not survive restarts.
	MemoryStore struct {
		mu      sync.Mutex
		records map[string]Record
	}
)

var (
	_ Store = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	switch {
	case !ok || now.Sub(r.WindowStart) >= window:
		r = Record{Key: key, Count: 1, WindowStart: now}
	case r.Count <= limit:
		r.Count++
	}
	r.LastRequest = now

	s.records[key] = r

	return &r, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, r := range s.records {
		if r.WindowStart.Before(cutoff) {
			delete(s.records, k)
			n++
		}
	}

	return n, nil
}

// Get returns a copy of the record for key.
func (s *MemoryStore) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	return r, ok
}
