// Package playback derives the current playback position of a room from the
// last snapshot pushed by its host.
//
// Every timestamp handled here comes from the server clock. Clients never
// contribute a clock reading to a snapshot, so listeners that reconcile the
// same snapshot at the same instant compute the same position.
package playback

import "time"

// DefaultMaxExtrapolation bounds how far a playing snapshot is advanced
// after the host stops refreshing it.
const DefaultMaxExtrapolation = 30 * time.Second

// Snapshot is the playback truth of a room at one server instant. Position
// is only meaningful relative to CapturedAt and is never advanced in place.
type Snapshot struct {
	Playing    bool
	Position   float64
	CapturedAt time.Time
}

// Initial is the snapshot of a freshly created room.
func Initial(now time.Time) Snapshot {
	return Snapshot{Playing: false, Position: 0, CapturedAt: now}
}

// OlderThan reports whether s was captured strictly before other.
func (s Snapshot) OlderThan(other Snapshot) bool {
	return s.CapturedAt.Before(other.CapturedAt)
}

// Reconciler turns snapshots into positions. The zero value extrapolates
// without limit.
type Reconciler struct {
	// MaxExtrapolation freezes a playing snapshot once this much time has
	// passed since it was captured. Zero disables the freeze.
	MaxExtrapolation time.Duration
}

// NewReconciler returns a Reconciler that freezes extrapolation after max.
func NewReconciler(max time.Duration) Reconciler {
	return Reconciler{MaxExtrapolation: max}
}

// Position returns the position of s at now, in seconds, and whether the
// result was frozen because the snapshot is older than MaxExtrapolation.
// Paused snapshots never advance.
func (r Reconciler) Position(s Snapshot, now time.Time) (float64, bool) {
	if !s.Playing {
		return s.Position, false
	}

	elapsed := now.Sub(s.CapturedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	if r.MaxExtrapolation > 0 && elapsed > r.MaxExtrapolation {
		return s.Position + r.MaxExtrapolation.Seconds(), true
	}

	return s.Position + elapsed.Seconds(), false
}
