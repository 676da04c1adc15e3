// Package attempt hosts the in-process runtime for active exam attempts:
// the countdown clock, the anomaly monitor, the answer ledger, and the
// lifecycle controller that arbitrates between their terminal triggers.
package attempt

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Anchor is the persisted origin of an attempt's countdown. Remaining time
// is always derived from it; it is never stored and decremented separately,
// so reloads and crashes cannot skew the clock.
type Anchor struct {
	StartedAt time.Time
	Duration  time.Duration
}

// Remaining returns the time left at the given instant, floored at zero.
func (a Anchor) Remaining(now time.Time) time.Duration {
	rem := a.Duration - now.Sub(a.StartedAt)
	if rem < 0 {
		return 0
	}
	return rem
}

// Expired reports whether the deadline has passed at the given instant.
func (a Anchor) Expired(now time.Time) bool {
	return a.Remaining(now) == 0
}

// AnchorStore persists anchors keyed by attempt ID. The store must survive
// process restarts; closing a runtime never deletes its anchor, so an
// attempt stays resumable until it reaches a terminal state.
type AnchorStore interface {
	// Load returns the anchor for the attempt and whether one exists.
	Load(ctx context.Context, attemptID uuid.UUID) (Anchor, bool, error)
	// Save persists the anchor. Saving twice for the same attempt
	// overwrites, so callers must Load before deciding to Save.
	Save(ctx context.Context, attemptID uuid.UUID, a Anchor) error
	// Delete removes the anchor once the attempt is terminal.
	Delete(ctx context.Context, attemptID uuid.UUID) error
}
