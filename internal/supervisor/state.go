package supervisor

// State is the lifecycle state of a supervised session.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateIdle, StateStarting, StateRunning, StateStopping, StateFailed}

// Active reports whether a process may be alive in state s.
func (s State) Active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

func (s State) String() string { return string(s) }
