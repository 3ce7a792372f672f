package provider

import (
	"collabtext/internal/presence"
)

// State is a provider's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	// StateJoining waits for the first sync response after an activation.
	StateJoining
	// StateSynced means a sync response was accepted since the last
	// activation and the transport is still up.
	StateSynced
	// StateUnsynced is usable but unconfirmed: nobody answered in time, or
	// the transport is down.
	StateUnsynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateJoining:
		return "joining"
	case StateSynced:
		return "synced"
	case StateUnsynced:
		return "unsynced"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type eventKind int

const (
	evSetPresence eventKind = iota + 1
)

// event is a request made from outside the loop.
type event struct {
	kind  eventKind
	state presence.State
	reply chan error
}
