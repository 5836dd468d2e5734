// Package retention computes the lifecycle state of a claim conversation and
// runs the scheduled purge of conversations past the retention window.
package retention

import "time"

// WindowDays is the administratively agreed period after claim completion
// during which the chat stays open before becoming purge-eligible.
const WindowDays = 14

type Phase string

const (
	PhaseOpen              Phase = "open"
	PhaseReadOnlyCountdown Phase = "read_only_countdown"
	PhasePurgeEligible     Phase = "purge_eligible"
)

// State is derived from the claim's completion timestamp and wall-clock time;
// it is never stored.
type State struct {
	Phase         Phase `json:"phase"`
	DaysRemaining int   `json:"daysRemaining"`
	// ComposerEnabled is false only once the conversation is purge-eligible.
	// During the countdown both parties may still write; the countdown is a
	// visible deadline, not a lock.
	ComposerEnabled bool `json:"composerEnabled"`
}

// Evaluate yields the conversation's retention state at now. completedAt is
// nil while the claim is still being worked.
func Evaluate(completedAt *time.Time, now time.Time) State {
	if completedAt == nil {
		return State{Phase: PhaseOpen, DaysRemaining: WindowDays, ComposerEnabled: true}
	}

	elapsed := now.Sub(*completedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	daysRemaining := WindowDays - int(elapsed.Hours()/24)
	if daysRemaining < 0 {
		daysRemaining = 0
	}

	if elapsed < WindowDays*24*time.Hour {
		return State{Phase: PhaseReadOnlyCountdown, DaysRemaining: daysRemaining, ComposerEnabled: true}
	}
	return State{Phase: PhasePurgeEligible, DaysRemaining: 0, ComposerEnabled: false}
}
