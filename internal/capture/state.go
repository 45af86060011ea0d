package capture

import (
	"errors"
	"fmt"
)

// State is the recorder lifecycle state. Transitions outside the table below
// are rejected, so an illegal state change is an error at the call site
// rather than a silent corruption.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateRecording
	StatePaused
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSelecting:
		return "SELECTING"
	case StateRecording:
		return "RECORDING"
	case StatePaused:
		return "PAUSED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrInvalidTransition is returned for a state change not in the table.
var ErrInvalidTransition = errors.New("invalid recorder state transition")

var validTransitions = map[State][]State{
	StateIdle:      {StateSelecting},
	StateSelecting: {StateRecording, StateFailed, StateIdle},
	StateRecording: {StatePaused, StateStopping, StateFailed},
	StatePaused:    {StateRecording, StateStopping, StateFailed},
	StateStopping:  {StateStopped, StateFailed},
	StateStopped:   {StateIdle},
	StateFailed:    {StateIdle},
}

// transition validates and applies a state change. Callers hold the recorder
// mutex.
func transition(current State, next State) (State, error) {
	for _, allowed := range validTransitions[current] {
		if allowed == next {
			return next, nil
		}
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}
