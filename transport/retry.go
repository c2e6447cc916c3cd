package transport

import (
	"math"
	"time"
)

// StateKind tags the position of a forward in its retry cycle.
type StateKind int

const (
	StateAttempting StateKind = iota // attempt State.Attempt is about to run
	StateSucceeded                   // an attempt delivered the frame
	StateExhausted                   // every attempt failed
)

func (k StateKind) String() string {
	switch k {
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// State is the retry state machine: Attempting(i) | Succeeded | Exhausted.
type State struct {
	Kind    StateKind
	Attempt int // 0-based index of the current (or last) attempt
}

// Start is the state before the first attempt.
func Start() State {
	return State{Kind: StateAttempting}
}

// Done reports whether the cycle has reached a terminal state.
func (s State) Done() bool {
	return s.Kind != StateAttempting
}

// Policy defines how many times a connect-send cycle runs and how long to back
// off between runs.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration // 0 means uncapped
}

// DefaultPolicy is 3 attempts with 100ms, 200ms between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff after failed attempt i (0-based): BaseDelay*Multiplier^i.
func (p Policy) Delay(i int) time.Duration {
	if p.BaseDelay <= 0 || i < 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(i))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Next advances s given the outcome of its attempt and returns the delay to wait
// before the next attempt. Terminal states are returned unchanged.
func (p Policy) Next(s State, err error) (State, time.Duration) {
	if s.Done() {
		return s, 0
	}
	if err == nil {
		return State{Kind: StateSucceeded, Attempt: s.Attempt}, 0
	}
	if s.Attempt+1 >= p.attempts() {
		return State{Kind: StateExhausted, Attempt: s.Attempt}, 0
	}
	return State{Kind: StateAttempting, Attempt: s.Attempt + 1}, p.Delay(s.Attempt)
}

// Schedule lists the delays a permanently failing target would see.
func (p Policy) Schedule() []time.Duration {
	var out []time.Duration
	s := Start()
	for !s.Done() {
		var d time.Duration
		s, d = p.Next(s, errPermanent)
		if !s.Done() {
			out = append(out, d)
		}
	}
	return out
}

type permanentError struct{}

func (permanentError) Error() string { return "permanent failure" }

var errPermanent error = permanentError{}
