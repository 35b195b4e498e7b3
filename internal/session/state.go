package session

import (
	"time"

	"github.com/paqetui/paqetd/internal/supervisor"
)

// State is the session lifecycle state.
type State = supervisor.State

const (
	StateIdle     = supervisor.StateIdle
	StateStarting = supervisor.StateStarting
	StateRunning  = supervisor.StateRunning
	StateStopping = supervisor.StateStopping
	StateFailed   = supervisor.StateFailed
)

// The state machine. Transitions outside this set are never made.
//
//	idle     -> starting
//	starting -> running | stopping | failed
//	running  -> stopping | failed
//	stopping -> idle
//	failed   -> starting | idle
var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateIdle},
	StateFailed:   {StateStarting, StateIdle},
}

func allowedTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is published on every transition.
type StateChange struct {
	From      State                `json:"from"`
	To        State                `json:"to"`
	At        time.Time            `json:"at"`
	SessionID string               `json:"session_id,omitempty"`
	Exit      *supervisor.ExitInfo `json:"exit,omitempty"`
	Err       string               `json:"error,omitempty"`
}
