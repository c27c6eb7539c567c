package unit

import (
	"fmt"

	"github.com/colorfulnotion/jitlink/jiterrors"
)

// State is the lifecycle of a compiled unit.
type State int32

const (
	Unlinked State = iota
	Linking
	Linked
	Invalidated
	Abandoned
)

var stateNames = [...]string{"unlinked", "linking", "linked", "invalidated", "abandoned"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var transitions = map[State][]State{
	Unlinked: {Linking, Abandoned},
	Linking:  {Linked, Abandoned},
	Linked:   {Invalidated},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (u *CompiledUnit) transition(from, to State) error {
	if !allowed(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, jiterrors.ErrInvalidTransition)
	}
	if !u.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%s -> %s from %s: %w", from, to, u.State(), jiterrors.ErrInvalidTransition)
	}
	return nil
}
