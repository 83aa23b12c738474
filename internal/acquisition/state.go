package acquisition

import "fmt"

// DefaultThreshold is the number of consecutive single-leaf verdicts required
// before a frame is handed off.
const DefaultThreshold = 3

// DetectionState is the coarse state derived from the latest verdict.
type DetectionState int32

const (
	// StateInitializing means no usable verdict yet, or the last tick failed.
	StateInitializing DetectionState = iota
	// StateNoLeaf means the frame does not show a plant leaf.
	StateNoLeaf
	// StateSingleLeaf means exactly one leaf dominates the frame.
	StateSingleLeaf
	// StateMultipleLeaves means several leaves are prominent.
	StateMultipleLeaves
)

// String returns a string representation of the DetectionState.
func (s DetectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateNoLeaf:
		return "no-leaf"
	case StateSingleLeaf:
		return "single-leaf"
	case StateMultipleLeaves:
		return "multiple-leaves"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state with its String form.
func (s DetectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes the String form.
func (s *DetectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []DetectionState{StateInitializing, StateNoLeaf, StateSingleLeaf, StateMultipleLeaves} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown detection state %q", text)
}

// FailurePolicy decides what a failed tick does to the streak.
type FailurePolicy int

const (
	// KeepStreak leaves the streak untouched so a dropped request does not
	// erase progress toward the threshold.
	KeepStreak FailurePolicy = iota
	// ResetStreak treats a failed tick like a negative verdict.
	ResetStreak
)

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case KeepStreak:
		return "keep"
	case ResetStreak:
		return "reset"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses "keep" or "reset".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "keep", "":
		return KeepStreak, nil
	case "reset":
		return ResetStreak, nil
	default:
		return KeepStreak, fmt.Errorf("unknown failure policy %q (want keep or reset)", s)
	}
}

// Step is the outcome of feeding one tick into a Machine.
type Step struct {
	State DetectionState
	// Streak is the streak after the transition. It is 0 when Handoff is set.
	Streak int
	// Handoff reports that the threshold was reached on this tick.
	Handoff bool
}

// Machine is the debounce filter between noisy per-frame verdicts and the
// decision to run full disease analysis. It holds only configuration; the
// streak is passed in and returned so the caller owns all state.
type Machine struct {
	Threshold int
	Policy    FailurePolicy
}

// NewMachine returns a Machine, using DefaultThreshold for threshold < 1.
func NewMachine(threshold int, policy FailurePolicy) Machine {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return Machine{Threshold: threshold, Policy: policy}
}

// Apply folds a verdict into the streak.
func (m Machine) Apply(prevStreak int, v Verdict) Step {
	switch {
	case !v.IsLeaf:
		return Step{State: StateNoLeaf}
	case v.HasMultipleLeaves:
		return Step{State: StateMultipleLeaves}
	}

	streak := prevStreak + 1
	if streak >= m.threshold() {
		return Step{State: StateSingleLeaf, Streak: 0, Handoff: true}
	}
	return Step{State: StateSingleLeaf, Streak: streak}
}

// Fail folds a failed tick (no verdict) into the streak according to Policy.
func (m Machine) Fail(prevStreak int) Step {
	if m.Policy == ResetStreak {
		return Step{State: StateInitializing}
	}
	return Step{State: StateInitializing, Streak: prevStreak}
}

func (m Machine) threshold() int {
	if m.Threshold < 1 {
		return DefaultThreshold
	}
	return m.Threshold
}
