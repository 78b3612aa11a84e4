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
	"cmp"
	"context"
	"slices"
	"sync"
)

type (
	Store interface {
		Insert(ctx context.Context, e *Event) error
		Dashboard(ctx context.Context, funnelSteps []string) (*Dashboard, error)
	}

	// Dashboard is the aggregated view served to admins.
	Dashboard struct {
		TotalEvents    int           `json:"totalEvents"`
		UniqueSessions int           `json:"uniqueSessions"`
		ByKind         map[Kind]int  `json:"byKind"`
		Funnel         []FunnelStep  `json:"funnel"`
		CompletionRate float64       `json:"completionRate"`
		FormErrors     []LabelCount  `json:"formErrors"`
		TopPages       []LabelCount  `json:"topPages"`
		Puzzles        []PuzzleStats `json:"puzzles"`
	}

	FunnelStep struct {
		Step     string `json:"step"`
		Sessions int    `json:"sessions"`
	}

	LabelCount struct {
		Label string `json:"label"`
		Count int    `json:"count"`
	}

	PuzzleStats struct {
		PuzzleID string `json:"puzzleId"`
		Attempts int    `json:"attempts"`
		Solved   int    `json:"solved"`
	}

	MemoryStore struct {
		mu     sync.Mutex
		events []Event
	}
)

const (
	maxFormErrors = 20
	maxTopPages   = 10
)

var (
	_ Store = (*MemoryStore)(nil)
)

// completionRate is the share of sessions that reached the last
// funnel step among those that reached the first one.
func completionRate(funnel []FunnelStep) float64 {
	if len(funnel) == 0 || funnel[0].Sessions == 0 {
		return 0
	}

	return float64(funnel[len(funnel)-1].Sessions) / float64(funnel[0].Sessions)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *e)
	return nil
}

// Events returns a copy of the stored events.
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.events)
}

func (s *MemoryStore) Dashboard(_ context.Context, funnelSteps []string) (*Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Dashboard{
		TotalEvents: len(s.events),
		ByKind:      make(map[Kind]int),
	}

	var (
		sessions    = make(map[string]struct{})
		stepSession = make(map[string]map[string]struct{})
		formErrors  = make(map[string]int)
		pages       = make(map[string]int)
		puzzles     = make(map[string]*PuzzleStats)
	)

	for _, e := range s.events {
		d.ByKind[e.Kind]++
		sessions[e.SessionID] = struct{}{}

		switch e.Kind {
		case KindForm:
			if stepSession[e.Name] == nil {
				stepSession[e.Name] = make(map[string]struct{})
			}
			stepSession[e.Name][e.SessionID] = struct{}{}

			if e.Name == "error" {
				formErrors[e.Label]++
			}
		case KindPageview:
			pages[e.Name]++
		case KindPuzzle:
			p, ok := puzzles[e.Name]
			if !ok {
				p = &PuzzleStats{PuzzleID: e.Name}
				puzzles[e.Name] = p
			}
			p.Attempts++
			if e.Success != nil && *e.Success {
				p.Solved++
			}
		}
	}

	d.UniqueSessions = len(sessions)

	d.Funnel = make([]FunnelStep, 0, len(funnelSteps))
	for _, step := range funnelSteps {
		d.Funnel = append(d.Funnel, FunnelStep{Step: step, Sessions: len(stepSession[step])})
	}
	d.CompletionRate = completionRate(d.Funnel)

	d.FormErrors = topCounts(formErrors, maxFormErrors)
	d.TopPages = topCounts(pages, maxTopPages)

	d.Puzzles = make([]PuzzleStats, 0, len(puzzles))
	for _, p := range puzzles {
		d.Puzzles = append(d.Puzzles, *p)
	}
	slices.SortFunc(d.Puzzles, func(a, b PuzzleStats) int {
		return cmp.Compare(a.PuzzleID, b.PuzzleID)
	})

	return d, nil
}

func topCounts(m map[string]int, limit int) []LabelCount {
	counts := make([]LabelCount, 0, len(m))
	for label, n := range m {
		counts = append(counts, LabelCount{Label: label, Count: n})
	}

	slices.SortFunc(counts, func(a, b LabelCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})

	if len(counts) > limit {
		counts = counts[:limit]
	}

	return counts
}
