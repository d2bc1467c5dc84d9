package role

import (
	"errors"
	"fmt"
)

type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Failed
)

var ErrInvalidTransition = errors.New("invalid role state transition")

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states are never left.
func (s State) Terminal() bool {
	return s == Stopped || s == Failed
}

var transitions = map[State][]State{
	Starting: {Running, Stopping, Failed},
	Running:  {Stopping, Failed},
	Stopping: {Stopped, Failed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
