// Package document holds the replicated document contract consumed by the
// sync provider, and the automerge-backed text document used by the agent.
package document

import (
	"github.com/pkg/errors"
)

// Origin tags an update with where it came from. It is only used to decide
// whether an update is re-published and is never stored in the document.
type Origin int

const (
	// OriginLocal marks updates produced by this replica's own edits.
	OriginLocal Origin = iota
	// OriginRemote marks updates received from another replica.
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	}
	return "unknown"
}

var (
	// ErrMalformedUpdate is returned by Apply when the payload cannot be
	// decoded. Callers drop the payload and carry on.
	ErrMalformedUpdate = errors.New("document: malformed update")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("document: closed")
)

// Observer is notified with the incremental update produced by every change,
// tagged with its origin.
type Observer func(update []byte, origin Origin)

// Document is a conflict-free replicated document. Apply must be idempotent
// and order independent. A full state from EncodeState is itself a valid
// argument to Apply.
type Document interface {
	Apply(update []byte, origin Origin) error
	EncodeState() ([]byte, error)
	Observe(fn Observer) (cancel func())
	Close() error
}

// IsMalformed reports whether err is a decode fault rather than a fault of
// the document itself.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedUpdate)
}
