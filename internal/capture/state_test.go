package capture

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StateSelecting, true},
		{StateIdle, StateRecording, false},
		{StateIdle, StateStopped, false},
		{StateSelecting, StateRecording, true},
		{StateSelecting, StateFailed, true},
		{StateSelecting, StateIdle, true},
		{StateSelecting, StatePaused, false},
		{StateRecording, StatePaused, true},
		{StateRecording, StateStopping, true},
		{StateRecording, StateFailed, true},
		{StateRecording, StateIdle, false},
		{StatePaused, StateRecording, true},
		{StatePaused, StateStopping, true},
		{StatePaused, StateIdle, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateRecording, false},
		{StateStopped, StateIdle, true},
		{StateStopped, StateRecording, false},
		{StateFailed, StateIdle, true},
		{StateFailed, StateRecording, false},
	}

	for _, c := range cases {
		got, err := transition(c.from, c.to)
		if c.ok {
			if err != nil {
				t.Errorf("%s -> %s should be allowed, got error: %v", c.from, c.to, err)
			}
			if got != c.to {
				t.Errorf("%s -> %s returned state %s", c.from, c.to, got)
			}
		} else {
			if err == nil {
				t.Errorf("%s -> %s should be rejected", c.from, c.to)
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s error should wrap ErrInvalidTransition, got %v", c.from, c.to, err)
			}
			if got != c.from {
				t.Errorf("rejected transition must keep current state, got %s", got)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if StateRecording.String() != "RECORDING" {
		t.Errorf("unexpected string: %s", StateRecording)
	}
	if State(99).String() != "State(99)" {
		t.Errorf("unexpected string for unknown state: %s", State(99))
	}
}
