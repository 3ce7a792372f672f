// Package wire defines the messages exchanged on a room topic and their
// single envelope encoding.
package wire

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind names one of the four logical message kinds carried on a room topic.
type Kind string

const (
	KindDocUpdate      Kind = "doc-update"      // incremental document update bytes
	KindSyncRequest    Kind = "sync-request"    // requesting replica id
	KindSyncResponse   Kind = "sync-response"   // full document state
	KindPresenceUpdate Kind = "presence-update" // presence delta
)

// ErrMalformed is returned when an envelope cannot be decoded.
var ErrMalformed = errors.New("wire: malformed message")

// Kinds lists every valid kind.
var Kinds = []Kind{KindDocUpdate, KindSyncRequest, KindSyncResponse, KindPresenceUpdate}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDocUpdate, KindSyncRequest, KindSyncResponse, KindPresenceUpdate:
		return true
	}
	return false
}

// Message is the envelope sent over the network. Sender is the transport
// member id of the publisher and is what lets a transport drop its own
// messages instead of echoing them back. Payload travels as base64.
type Message struct {
	Kind    Kind   `json:"kind"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
}

// Encode marshals m into its envelope form.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, errors.Wrapf(ErrMalformed, "unknown kind %q", m.Kind)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "wire: encode")
	}
	return data, nil
}

// Decode parses an envelope. Anything that is not a well formed envelope of
// a known kind is reported as ErrMalformed.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrapf(ErrMalformed, "%v", err)
	}
	if !m.Kind.Valid() {
		return Message{}, errors.Wrapf(ErrMalformed, "unknown kind %q", m.Kind)
	}
	return m, nil
}
