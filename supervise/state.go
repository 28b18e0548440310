package supervise

import (
	"fmt"
	"slices"
)

// State is the lifecycle state of a supervised proxy process.
type State int

const (
	// Starting: spawned, listener not yet confirmed.
	Starting State = iota
	// Ready: the listener answered the readiness check.
	Ready
	// Stopping: termination has been requested.
	Stopping
	// Stopped: the process has exited after a stop request. Terminal.
	Stopped
	// Crashed: the process exited without being asked to.
	Crashed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	Starting: {Ready, Stopping, Crashed},
	Ready:    {Stopping, Crashed},
	Crashed:  {Stopping},
	Stopping: {Stopped},
	Stopped:  {},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}
