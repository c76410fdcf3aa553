package netplay

import (
	"errors"
	"fmt"
)

// PeerState is the lifecycle of a follower session.
type PeerState uint8

const (
	Disconnected PeerState = iota
	Joining
	Syncing
	Live
	Resyncing
)

// ErrInvalidTransition reports a lifecycle change the protocol does not allow.
var ErrInvalidTransition = errors.New("netplay: invalid peer state transition")

func (s PeerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Joining:
		return "joining"
	case Syncing:
		return "syncing"
	case Live:
		return "live"
	case Resyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Disconnected is reachable from every state and is not listed here.
var transitions = map[PeerState][]PeerState{
	Disconnected: {Joining},
	Joining:      {Syncing},
	Syncing:      {Live, Resyncing},
	Live:         {Resyncing},
	Resyncing:    {Live},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to PeerState) bool {
	if to == Disconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a lifecycle step.
func Transition(from, to PeerState) (PeerState, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}
