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

package eventqueue

import (
	"maps"
	"time"
)

type (
	// Event is one analytics record waiting for delivery.
	Event struct {
		Endpoint  string
		Payload   map[string]any
		Attempts  int
		CreatedAt time.Time
	}

	// Summary is sent once when the queue is closed.
	Summary struct {
		SessionDuration time.Duration
		Interactions    int
		Funnel          map[string]bool
		FurthestStep    string
		EngagementScore int
	}
)

const (
	// SummaryEndpoint is the ingestion endpoint of the session
	// summary sent on Close.
	SummaryEndpoint = "event"
)

func (s Summary) payload() map[string]any {
	return map[string]any{
		"category":        "session",
		"action":          "session_summary",
		"label":           s.FurthestStep,
		"value":           s.EngagementScore,
		"sessionDuration": s.SessionDuration.Milliseconds(),
		"interactions":    s.Interactions,
		"funnel":          maps.Clone(s.Funnel),
		"furthestStep":    s.FurthestStep,
		"engagementScore": s.EngagementScore,
	}
}

// EngagementScore rates a session from 0 to 100: up to 30 points for
// time spent (5 per minute), up to 30 for interactions (2 each) and up
// to 40 for the share of funnel steps reached.
func EngagementScore(d time.Duration, interactions, stepsReached, stepsTotal int) int {
	timeScore := min(int(d/time.Minute)*5, 30)
	interactionScore := min(interactions*2, 30)

	funnelScore := 0
	if stepsTotal > 0 {
		funnelScore = stepsReached * 40 / stepsTotal
	}

	return min(max(timeScore, 0)+max(interactionScore, 0)+funnelScore, 100)
}
