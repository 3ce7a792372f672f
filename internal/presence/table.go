// Package presence keeps the ephemeral "who is here" state of a room.
//
// Each replica owns one entry, versioned by a clock only that replica
// advances. Merging keeps the highest clock per replica, so the table
// converges regardless of the order or number of times deltas arrive.
// Removal is a versioned tombstone and propagates like any other entry.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the small JSON value a replica publishes about itself.
type State map[string]any

// Entry is one replica's versioned presence. A nil State is a tombstone.
type Entry struct {
	Replica string `json:"replica"`
	Clock   uint64 `json:"clock"`
	State   State  `json:"state"`
}

// Tombstone reports whether e records a removal.
func (e Entry) Tombstone() bool {
	return e.State == nil
}

// Delta is the wire form of a presence update.
type Delta struct {
	Entries []Entry `json:"entries"`
}

// Change lists the replicas whose live state changed after a merge or
// expiry.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// ErrMalformedDelta is returned by Merge for payloads that do not decode.
var ErrMalformedDelta = errors.New("presence: malformed delta")

type record struct {
	clock   uint64
	state   State
	updated time.Time
}

// Table is the local view of a room's presence.
type Table struct {
	mu      sync.RWMutex
	local   string
	records map[string]*record
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// NewTable returns an empty table owned by replica local.
func NewTable(local string, opts ...Option) *Table {
	t := &Table{
		local:   local,
		records: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// LocalID returns the id of the owning replica.
func (t *Table) LocalID() string {
	return t.local
}

// SetLocal advances the local clock, stores state and returns the encoded
// delta to broadcast.
func (t *Table) SetLocal(state State) ([]byte, error) {
	if state == nil {
		state = State{}
	}
	return t.writeLocal(state)
}

// RemoveLocal writes a tombstone for the local replica and returns its
// encoded delta.
func (t *Table) RemoveLocal() ([]byte, error) {
	return t.writeLocal(nil)
}

func (t *Table) writeLocal(state State) ([]byte, error) {
	t.mu.Lock()
	rec := t.records[t.local]
	if rec == nil {
		rec = &record{}
		t.records[t.local] = rec
	}
	rec.clock++
	rec.state = state
	rec.updated = t.now()
	t.mu.Unlock()

	return t.Encode(t.local)
}

// LocalState returns the local state, or nil when unset or removed.
func (t *Table) LocalState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if rec := t.records[t.local]; rec != nil {
		return rec.state
	}
	return nil
}

// LocalAge returns how long ago the local entry was last written, and
// false when there is no live local entry.
func (t *Table) LocalAge() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.records[t.local]
	if rec == nil || rec.state == nil {
		return 0, false
	}
	return t.now().Sub(rec.updated), true
}

// Encode returns the delta carrying the current entries of ids, skipping
// unknown ids.
func (t *Table) Encode(ids ...string) ([]byte, error) {
	t.mu.RLock()
	delta := Delta{Entries: make([]Entry, 0, len(ids))}
	for _, id := range ids {
		rec := t.records[id]
		if rec == nil {
			continue
		}
		delta.Entries = append(delta.Entries, Entry{Replica: id, Clock: rec.clock, State: rec.state})
	}
	t.mu.RUnlock()

	data, err := json.Marshal(delta)
	if err != nil {
		return nil, errors.Wrap(err, "presence: encode")
	}
	return data, nil
}

// Merge applies a remote delta. An entry is accepted only when its clock is
// strictly greater than the stored clock for that replica. Entries about the
// local replica are ignored.
func (t *Table) Merge(data []byte) (Change, error) {
	var delta Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		return Change{}, errors.Wrapf(ErrMalformedDelta, "%v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var change Change
	now := t.now()
	for _, e := range delta.Entries {
		if e.Replica == "" || e.Replica == t.local {
			continue
		}
		rec := t.records[e.Replica]
		if rec != nil && e.Clock <= rec.clock {
			continue
		}
		if rec == nil {
			if e.Clock == 0 {
				continue
			}
			rec = &record{}
			t.records[e.Replica] = rec
		}
		wasLive := rec.state != nil
		rec.clock = e.Clock
		rec.state = e.State
		rec.updated = now

		switch {
		case wasLive && e.Tombstone():
			change.Removed = append(change.Removed, e.Replica)
		case wasLive:
			change.Updated = append(change.Updated, e.Replica)
		case !e.Tombstone():
			change.Added = append(change.Added, e.Replica)
		}
	}
	return change, nil
}

// Expire forgets what has not been heard from within timeout. Remote live
// entries turn into tombstones that keep their clock, so a stale duplicate
// cannot bring them back; tombstones older than timeout are dropped. The
// local entry never expires.
func (t *Table) Expire(timeout time.Duration) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var change Change
	now := t.now()
	for id, rec := range t.records {
		if id == t.local || now.Sub(rec.updated) < timeout {
			continue
		}
		if rec.state == nil {
			delete(t.records, id)
			continue
		}
		rec.state = nil
		rec.updated = now
		change.Removed = append(change.Removed, id)
	}
	sort.Strings(change.Removed)
	return change
}

// Get returns the live state of replica id.
func (t *Table) Get(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.records[id]
	if rec == nil || rec.state == nil {
		return nil, false
	}
	return rec.state, true
}

// Snapshot returns the live entries ordered by replica id.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make([]Entry, 0, len(t.records))
	for id, rec := range t.records {
		if rec.state == nil {
			continue
		}
		entries = append(entries, Entry{Replica: id, Clock: rec.clock, State: rec.state})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Replica < entries[j].Replica
	})
	return entries
}
