package runtime

import (
	"testing"
	"time"

	"github.com/agtmux/agtmux/internal/model"
)

func TestShouldIncrementGeneration(t *testing.T) {
	pid1 := int64(100)
	pid2 := int64(200)

	prev := Prior{Generation: 3, PID: &pid1, TmuxServerBootID: "boot-1"}
	if NextGeneration(&prev, Observation{PID: &pid1, TmuxServerBootID: "boot-1"}) != 3 {
		t.Fatalf("generation should stay same for identical pid/boot")
	}
	if NextGeneration(&prev, Observation{PID: &pid2, TmuxServerBootID: "boot-1"}) != 4 {
		t.Fatalf("generation should increment on pid change")
	}
	if NextGeneration(&prev, Observation{PID: &pid1, TmuxServerBootID: "boot-2"}) != 4 {
		t.Fatalf("generation should increment on boot-id change")
	}

	ended := Prior{Generation: 5, Ended: true}
	if NextGeneration(&ended, Observation{PID: &pid1}) != 6 {
		t.Fatalf("generation should increment once the prior instance ended")
	}

	if NextGeneration(nil, Observation{PID: &pid1}) != 1 {
		t.Fatalf("first observation of a pane_id must start at generation 1")
	}
}

func TestValidateGeneration(t *testing.T) {
	if err := ValidateGeneration(2, 1); err != model.ErrBindingConflict {
		t.Fatalf("expected BindingConflict for an older generation, got %v", err)
	}
	if err := ValidateGeneration(2, 2); err != nil {
		t.Fatalf("equal generation must be accepted: %v", err)
	}
	if err := ValidateGeneration(2, 3); err != nil {
		t.Fatalf("newer generation must be accepted: %v", err)
	}
}

func TestTombstoneExpiry(t *testing.T) {
	died := time.Unix(1700000000, 0).UTC()
	tomb := Tombstone{Instance: model.PaneInstanceID{PaneID: "%1"}, DiedAt: died}

	if tomb.Expired(died.Add(60 * time.Second)) {
		t.Fatalf("tombstone should still be live within the grace window")
	}
	if !tomb.Expired(died.Add(121 * time.Second)) {
		t.Fatalf("tombstone should expire past the 120s grace window")
	}
}

func TestValidateInstanceRejectsStaleGeneration(t *testing.T) {
	stored := model.PaneInstanceID{PaneID: "%1", Generation: 2}
	obs := model.PaneInstanceID{PaneID: "%1", Generation: 1}
	if err := ValidateInstance(stored, nil, obs, time.Now()); err != model.ErrBindingConflict {
		t.Fatalf("expected BindingConflict for a stale generation, got %v", err)
	}
}

func TestValidateInstanceRejectsBirthMismatchAtSameGeneration(t *testing.T) {
	now := time.Now()
	stored := model.PaneInstanceID{PaneID: "%1", Generation: 2, BirthTS: now.Add(-time.Minute)}
	obs := model.PaneInstanceID{PaneID: "%1", Generation: 2, BirthTS: now}
	if err := ValidateInstance(stored, nil, obs, now); err != model.ErrBindingConflict {
		t.Fatalf("expected BindingConflict for a birth_ts mismatch at the same generation, got %v", err)
	}
}

func TestValidateInstanceRejectsCollisionWithLiveTombstone(t *testing.T) {
	now := time.Now()
	tombstones := []Tombstone{{Instance: model.PaneInstanceID{PaneID: "%1", Generation: 2}, DiedAt: now}}
	obs := model.PaneInstanceID{PaneID: "%1", Generation: 2}
	stored := model.PaneInstanceID{PaneID: "%1", Generation: 3}
	if err := ValidateInstance(stored, tombstones, obs, now.Add(5*time.Second)); err != model.ErrBindingConflict {
		t.Fatalf("expected BindingConflict for an observation matching a live tombstone, got %v", err)
	}
}

func TestValidateInstanceAcceptsFreshOccupant(t *testing.T) {
	now := time.Now()
	stored := model.PaneInstanceID{PaneID: "%1", Generation: 1, BirthTS: now.Add(-time.Minute)}
	obs := model.PaneInstanceID{PaneID: "%1", Generation: 2, BirthTS: now}
	if err := ValidateInstance(stored, nil, obs, now); err != nil {
		t.Fatalf("expected a newer generation to be accepted, got %v", err)
	}
}

func TestPruneTombstonesDropsExpiredOnly(t *testing.T) {
	now := time.Now()
	tombstones := []Tombstone{
		{Instance: model.PaneInstanceID{PaneID: "%1"}, DiedAt: now.Add(-200 * time.Second)},
		{Instance: model.PaneInstanceID{PaneID: "%2"}, DiedAt: now.Add(-10 * time.Second)},
	}
	live := PruneTombstones(tombstones, now)
	if len(live) != 1 || live[0].Instance.PaneID != "%2" {
		t.Fatalf("expected only the unexpired tombstone to survive, got %+v", live)
	}
}
