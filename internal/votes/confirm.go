package votes

import (
	"errors"
	"time"
)

// DefaultHoldDuration is how long an option must be held before the vote
// commits.
const DefaultHoldDuration = 3 * time.Second

// ConfirmerState enumerates the hold-to-vote states for one poll.
type ConfirmerState string

const (
	// StateIdle means no option is being held.
	StateIdle ConfirmerState = "idle"
	// StateHolding means an option is pressed and the countdown is running.
	StateHolding ConfirmerState = "holding"
)

// Outcome is the result of releasing a hold.
type Outcome string

const (
	// OutcomeCommitted means the countdown completed and the vote should be
	// recorded.
	OutcomeCommitted Outcome = "committed"
	// OutcomeCancelled means the hold was released early; no vote effect.
	OutcomeCancelled Outcome = "cancelled"
)

// ErrConfirmerBusy indicates PressDown while a hold is already in progress.
// Starting a hold on a different option does not pre-empt the first.
var ErrConfirmerBusy = errors.New("votes: hold already in progress")

// Confirmer is the client-local hold-to-vote state machine for a single poll.
// It owns no timers: progress and outcomes are pure functions of the injected
// clock, so a driver polls Progress for display and calls Release on
// pointer-up. Precondition checks (poll open, vote allowed) belong to the
// caller before PressDown.
type Confirmer struct {
	clock    func() time.Time
	duration time.Duration
	state    ConfirmerState
	optionID string
	start    time.Time
}

// NewConfirmer constructs a confirmer with the given clock and hold duration.
func NewConfirmer(clock func() time.Time, duration time.Duration) *Confirmer {
	if clock == nil {
		clock = time.Now
	}
	if duration <= 0 {
		duration = DefaultHoldDuration
	}
	return &Confirmer{clock: clock, duration: duration, state: StateIdle}
}

// State returns the current machine state.
func (c *Confirmer) State() ConfirmerState {
	return c.state
}

// HeldOption returns the option under hold, or "" when idle.
func (c *Confirmer) HeldOption() string {
	if c.state != StateHolding {
		return ""
	}
	return c.optionID
}

// PressDown starts holding the given option. Rejected with ErrConfirmerBusy
// while another hold is in progress.
func (c *Confirmer) PressDown(optionID string) error {
	if c.state == StateHolding {
		return ErrConfirmerBusy
	}
	c.state = StateHolding
	c.optionID = optionID
	c.start = c.clock()
	return nil
}

// Progress reports the countdown ratio in [0, 1]. It increases monotonically
// while holding and reads 0 when idle.
func (c *Confirmer) Progress() float64 {
	if c.state != StateHolding {
		return 0
	}
	elapsed := c.clock().Sub(c.start)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= c.duration {
		return 1
	}
	return float64(elapsed) / float64(c.duration)
}

// Release ends the hold and returns the outcome. A release in the same
// instant the countdown reaches zero commits: reaching the threshold takes
// precedence over cancelling. Releasing while idle is a harmless cancel, so
// stale pointer-up events never fault.
func (c *Confirmer) Release() (Outcome, string) {
	if c.state != StateHolding {
		return OutcomeCancelled, ""
	}
	optionID := c.optionID
	elapsed := c.clock().Sub(c.start)
	c.state = StateIdle
	c.optionID = ""
	if elapsed >= c.duration {
		return OutcomeCommitted, optionID
	}
	return OutcomeCancelled, optionID
}

// Cancel drops any hold without evaluating the countdown, for pointer-leave.
// Safe to call repeatedly and while idle.
func (c *Confirmer) Cancel() {
	c.state = StateIdle
	c.optionID = ""
}
