// Package runtime derives PaneInstanceId generations from raw observations
// and keeps the tombstone set that lets late events for a superseded
// generation be recognized and dropped instead of misbound (spec section 3,
// 4.8 generation guard, scenario S6).
package runtime

import (
	"time"

	"github.com/agtmux/agtmux/internal/model"
)

// Observation is what the mux backend reader reports for a pane_id on a
// given tick; it carries enough to detect process replacement.
type Observation struct {
	PaneID           string
	PID              *int64
	TmuxServerBootID string
}

// Prior is the last known instance for a pane_id, or the zero value if this
// is the first time the pane_id has been seen.
type Prior struct {
	Generation       int64
	PID              *int64
	TmuxServerBootID string
	Ended            bool
}

// ShouldIncrementGeneration reports whether the observed pane_id is a new
// process occupying a reused pane_id: the prior instance ended, the tmux
// server rebooted, or the pid changed.
func ShouldIncrementGeneration(prev Prior, obs Observation) bool {
	if prev.Ended {
		return true
	}
	if obs.TmuxServerBootID != "" && obs.TmuxServerBootID != prev.TmuxServerBootID {
		return true
	}
	if prev.PID != nil && obs.PID != nil && *prev.PID != *obs.PID {
		return true
	}
	if prev.PID == nil && obs.PID != nil {
		return true
	}
	return false
}

// NextGeneration returns the generation an observation should be assigned,
// given the prior instance (or nil for a never-seen pane_id).
func NextGeneration(prev *Prior, obs Observation) int64 {
	if prev == nil {
		return 1
	}
	if ShouldIncrementGeneration(*prev, obs) {
		return prev.Generation + 1
	}
	return prev.Generation
}

// TombstoneGrace is the retention window during which a superseded
// generation is still recognized well enough to reject its late events
// with BindingConflict instead of silently misbinding them.
const TombstoneGrace = 120 * time.Second

// TombstoneHardCap bounds how long a tombstone can ever be kept regardless
// of traffic, so a long-lived daemon cannot accumulate an unbounded
// tombstone set.
const TombstoneHardCap = 24 * time.Hour

// Tombstone is a retained, dead prior pane instance.
type Tombstone struct {
	Instance model.PaneInstanceID
	DiedAt   time.Time
}

// Expired reports whether a tombstone has aged past its grace window (or
// the hard cap, whichever is tighter) as of now.
func (t Tombstone) Expired(now time.Time) bool {
	age := now.Sub(t.DiedAt)
	return age >= TombstoneGrace || age >= TombstoneHardCap
}

// ValidateGeneration implements the projection's generation guard (spec
// 4.8): an event whose pane_generation is older than the stored generation
// is a BindingConflict; equal or newer is accepted (newer resets
// hysteresis, handled by the projection itself).
func ValidateGeneration(storedGeneration, eventGeneration int64) error {
	if eventGeneration < storedGeneration {
		return model.ErrBindingConflict
	}
	return nil
}

// ValidateInstance extends the generation guard to the full
// PaneInstanceId triple the tombstone set exists to protect (spec 3): a
// stale generation is rejected exactly as ValidateGeneration does, and so
// is an event that claims the current generation number but a birth_ts
// that doesn't match the stored instance (a backend generation counter
// that didn't bump across a reoccupation) or that collides with a
// still-live tombstoned instance for this pane_id.
func ValidateInstance(stored model.PaneInstanceID, tombstones []Tombstone, obs model.PaneInstanceID, now time.Time) error {
	if err := ValidateGeneration(stored.Generation, obs.Generation); err != nil {
		return err
	}
	if obs.Generation == stored.Generation && !stored.BirthTS.IsZero() && !obs.BirthTS.IsZero() &&
		!obs.BirthTS.Equal(stored.BirthTS) {
		return model.ErrBindingConflict
	}
	for _, tomb := range tombstones {
		if tomb.Expired(now) {
			continue
		}
		if tomb.Instance.PaneID == obs.PaneID && tomb.Instance.Generation == obs.Generation {
			return model.ErrBindingConflict
		}
	}
	return nil
}

// PruneTombstones drops tombstones that have aged past their grace window
// (or hard cap), bounding how long a long-lived daemon retains dead
// instances in a pane's tombstone set.
func PruneTombstones(tombstones []Tombstone, now time.Time) []Tombstone {
	live := tombstones[:0]
	for _, t := range tombstones {
		if !t.Expired(now) {
			live = append(live, t)
		}
	}
	return live
}
