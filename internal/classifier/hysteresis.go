package classifier

import "time"

// HysteresisState is the per-pane running state the projection keeps
// between ticks to implement idle confirmation, running promotion/demotion,
// and no-agent debouncing (spec 4.2).
type HysteresisState struct {
	IdleSince      time.Time
	IdleConfirmed  bool
	LastInteraction time.Time
	Running        bool
	NoAgentStreak  int
}

// IdleConfirmationThreshold mirrors the source's own
// max(4s, 2*poll_interval) rule verbatim.
func IdleConfirmationThreshold(pollInterval time.Duration) time.Duration {
	const floor = 4 * time.Second
	threshold := 2 * pollInterval
	if threshold < floor {
		return floor
	}
	return threshold
}

const (
	runningPromoteWithin = 8 * time.Second
	runningDemoteAfter   = 45 * time.Second
)

// StepIdle advances idle-confirmation bookkeeping for one tick where the
// heuristic signal says "idle". It returns true once the pane has been
// continuously observed idle for at least the threshold.
func (h *HysteresisState) StepIdle(now time.Time, pollInterval time.Duration) bool {
	if h.IdleSince.IsZero() {
		h.IdleSince = now
	}
	if now.Sub(h.IdleSince) >= IdleConfirmationThreshold(pollInterval) {
		h.IdleConfirmed = true
	}
	return h.IdleConfirmed
}

// ResetIdle clears idle bookkeeping; called whenever the heuristic signal
// is not idle on a given tick.
func (h *HysteresisState) ResetIdle() {
	h.IdleSince = time.Time{}
	h.IdleConfirmed = false
}

// StepRunning decides whether the pane should be considered Running given a
// running hint and the time of the pane's last interaction. Promotion from
// Idle requires last_interaction <= 8s; demotion from Running requires the
// hint to disappear and last_interaction > 45s (spec 4.2).
func (h *HysteresisState) StepRunning(now time.Time, runningHint bool, lastInteraction time.Time) bool {
	if !lastInteraction.IsZero() {
		h.LastInteraction = lastInteraction
	}
	sinceInteraction := now.Sub(h.LastInteraction)

	if runningHint {
		if !h.Running {
			if h.LastInteraction.IsZero() || sinceInteraction <= runningPromoteWithin {
				h.Running = true
			}
		} else {
			h.Running = true
		}
		return h.Running
	}

	if h.Running && sinceInteraction > runningDemoteAfter {
		h.Running = false
	}
	return h.Running
}

// StepNoAgent increments the no-agent streak on a tick with no managed
// signal, resetting it the moment a managed signal returns. The projection
// only demotes a pane to Unmanaged once the streak reaches 2, and only when
// no deterministic evidence is fresh (spec 4.2, 4.8).
func (h *HysteresisState) StepNoAgent(managedThisTick bool) int {
	if managedThisTick {
		h.NoAgentStreak = 0
	} else {
		h.NoAgentStreak++
	}
	return h.NoAgentStreak
}

const noAgentDemotionThreshold = 2

// ShouldDemoteToUnmanaged reports whether the accumulated no-agent streak
// warrants leaving Managed, per spec 4.2's two-consecutive-ticks rule.
func ShouldDemoteToUnmanaged(streak int) bool {
	return streak >= noAgentDemotionThreshold
}
