package pipeline

import (
	"errors"
	"fmt"
)

// State of the media graph.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return s >= StateNull && s <= StatePlaying
}

// ErrInvalidTransition is returned for unknown target states.
var ErrInvalidTransition = errors.New("pipeline: invalid state transition")

// Path returns the states to step through from -> to, excluding from.
// Transitions always move one rung at a time along Null, Ready, Paused,
// Playing.
func Path(from, to State) []State {
	if from == to {
		return nil
	}
	var steps []State
	dir := State(1)
	if to < from {
		dir = -1
	}
	for s := from + dir; ; s += dir {
		steps = append(steps, s)
		if s == to {
			return steps
		}
	}
}

// Recovery names the strategy applied after a failed transition.
type Recovery int

const (
	RecoveryNone Recovery = iota
	// RecoveryRevert returned the graph to the state it was leaving
	RecoveryRevert
	// RecoveryForceReady forced the graph to Ready
	RecoveryForceReady
	// RecoveryReset dropped the graph to Null
	RecoveryReset
	// RecoveryFailed means every strategy failed
	RecoveryFailed
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRevert:
		return "revert"
	case RecoveryForceReady:
		return "force_ready"
	case RecoveryReset:
		return "reset"
	case RecoveryFailed:
		return "failed"
	default:
		return "none"
	}
}

// StateError describes a failed state transition and the recovery applied.
// Cell is non-zero when only one playback branch failed to change state.
type StateError struct {
	Cell     int
	From     State
	To       State
	Target   State
	Recovery Recovery
	// Landed is the state the graph (or the branch) ended up in after recovery
	Landed State
	Err    error
}

func (e *StateError) Error() string {
	if e.Cell != 0 {
		return fmt.Sprintf("pipeline: cell %d transition %s -> %s failed, recovery %s left branch %s: %v",
			e.Cell, e.From, e.To, e.Recovery, e.Landed, e.Err)
	}
	return fmt.Sprintf("pipeline: transition %s -> %s (target %s) failed, recovery %s left graph %s: %v",
		e.From, e.To, e.Target, e.Recovery, e.Landed, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
