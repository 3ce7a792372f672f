// Package provider keeps one replicated document and the presence of its
// editors consistent with every other replica joined to the same room.
//
// All protocol work for a room runs on a single goroutine. Transport
// events, local document updates, presence changes, timers and shutdown
// are dispatched from one select loop, so the document and presence table
// are only ever mutated from that loop.
//
// The protocol on the room topic:
//
//	doc-update       incremental update produced by a local edit
//	sync-request     sent on every activation, payload is the replica id
//	sync-response    full document state, sent by everyone who sees a request
//	presence-update  presence delta, including tombstones
package provider

import (
	"context"
	"sync"
	"time"

	"collabtext/internal/document"
	"collabtext/internal/metrics"
	"collabtext/internal/presence"
	"collabtext/internal/transport"
	"collabtext/internal/wire"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed provider.
var ErrClosed = errors.New("provider: closed")

const (
	DefaultPresenceTimeout = 30 * time.Second
	DefaultJoinTimeout     = 5 * time.Second
	DefaultSendTimeout     = 5 * time.Second
	DefaultDedupSize       = 512

	minTickInterval = time.Millisecond
)

// Options tune a provider. The zero value is usable.
type Options struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// PresenceTimeout bounds how long a remote entry lives without being
	// refreshed. The local entry is re-broadcast every PresenceTimeout/2.
	PresenceTimeout time.Duration
	// JoinTimeout moves a joining provider to StateUnsynced when no sync
	// response arrives in time.
	JoinTimeout time.Duration
	SendTimeout time.Duration
	// DedupSize is the number of payload digests remembered to skip
	// re-applying identical updates.
	DedupSize int

	// Announce broadcasts the full local state on the first activation,
	// for documents restored with edits other replicas may lack.
	Announce bool

	// OnError receives document faults. OnPresence receives presence
	// changes. Both run on the provider loop: they may edit the document,
	// but must not call Close or SetPresence, which wait for the loop.
	OnError    func(error)
	OnPresence func(presence.Change)
}

func (o *Options) defaults() {
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = DefaultPresenceTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.DedupSize <= 0 {
		o.DedupSize = DefaultDedupSize
	}
}

// Provider synchronizes one document over one room.
type Provider struct {
	room    string
	replica string
	doc     document.Document
	table   *presence.Table
	ch      transport.Channel
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	seen    *lru.Cache[uint64, struct{}]

	requests chan event
	done     chan struct{}

	// Local updates are queued rather than handed to the loop, so an edit
	// made from inside a hook cannot block on the loop running it.
	pendingMu sync.Mutex
	pending   [][]byte
	wake      chan struct{}

	stopped  chan struct{}

	closeOnce  sync.Once
	activeOnce sync.Once
	syncedOnce sync.Once
	activeCh   chan struct{}
	syncedCh   chan struct{}

	mu     sync.RWMutex
	state  State
	synced bool

	// Owned by the loop.
	active   bool
	dirty    bool
	announce bool
	closeErr error
}

// Open joins room and starts synchronizing doc. It returns as soon as the
// topic is joined; doc is editable immediately and the exchange with
// other replicas happens in the background. On success the provider owns
// doc and closes it on Close.
func Open(ctx context.Context, room string, doc document.Document, factory transport.Factory, opts Options) (*Provider, error) {
	opts.defaults()

	seen, err := lru.New[uint64, struct{}](opts.DedupSize)
	if err != nil {
		return nil, errors.Wrap(err, "provider: dedup cache")
	}

	replica := uuid.NewString()
	p := &Provider{
		room:     room,
		replica:  replica,
		doc:      doc,
		table:    presence.NewTable(replica),
		opts:     opts,
		metrics:  opts.Metrics,
		seen:     seen,
		requests: make(chan event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		activeCh: make(chan struct{}),
		syncedCh: make(chan struct{}),
		announce: opts.Announce,
	}
	p.logger = opts.Logger.With().Str("room", room).Str("replica", replica).Logger()

	ch, err := factory.Join(ctx, room)
	if err != nil {
		return nil, errors.Wrapf(err, "provider: join %s", room)
	}
	p.ch = ch

	cancel := doc.Observe(p.observe)
	p.setState(StateJoining)
	go p.run(cancel)

	p.logger.Debug().Msg("provider opened")
	return p, nil
}

// Room returns the room id.
func (p *Provider) Room() string {
	return p.room
}

// Replica returns this replica's id.
func (p *Provider) Replica() string {
	return p.replica
}

// Document returns the synchronized document.
func (p *Provider) Document() document.Document {
	return p.doc
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Synced reports whether a sync response was ever accepted.
func (p *Provider) Synced() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.synced
}

// WhenSynced is closed once the first sync response is accepted.
func (p *Provider) WhenSynced() <-chan struct{} {
	return p.syncedCh
}

// Active is closed once the transport first becomes active.
func (p *Provider) Active() <-chan struct{} {
	return p.activeCh
}

// Presence returns the live presence entries, the local one included.
func (p *Provider) Presence() []presence.Entry {
	return p.table.Snapshot()
}

// SetPresence replaces the local presence state and broadcasts it.
func (p *Provider) SetPresence(state presence.State) error {
	reply := make(chan error, 1)
	select {
	case p.requests <- event{kind: evSetPresence, state: state, reply: reply}:
	case <-p.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-p.stopped:
		return ErrClosed
	}
}

// Close leaves the room. The local presence is tombstoned and the
// tombstone sent best-effort, the transport is left and the document
// closed. Close is idempotent and safe before the join completed.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	<-p.stopped
	return p.closeErr
}

// observe queues local document updates for the loop. Remote updates are
// applied by the loop itself and never re-published.
func (p *Provider) observe(update []byte, origin document.Origin) {
	if origin == document.OriginRemote {
		return
	}
	p.pendingMu.Lock()
	p.pending = append(p.pending, update)
	p.pendingMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// takePending returns the queued local updates in edit order.
func (p *Provider) takePending() [][]byte {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	updates := p.pending
	p.pending = nil
	return updates
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == s || p.state == StateClosed {
		return
	}
	p.logger.Debug().Stringer("from", p.state).Stringer("to", s).Msg("state changed")
	p.state = s
}

func (p *Provider) run(cancelObserve func()) {
	defer close(p.stopped)

	ticker := time.NewTicker(tickInterval(p.opts.PresenceTimeout))
	defer ticker.Stop()

	var joinTimer *time.Timer
	var joinTimeout <-chan time.Time
	stopJoinTimer := func() {
		if joinTimer != nil {
			joinTimer.Stop()
		}
		joinTimer, joinTimeout = nil, nil
	}

	events := p.ch.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.logger.Warn().Msg("transport ended")
				events = nil
				stopJoinTimer()
				p.onInactive()
				continue
			}
			switch ev.Type {
			case transport.EventActive:
				p.onActive()
				stopJoinTimer()
				if p.State() == StateJoining {
					joinTimer = time.NewTimer(p.opts.JoinTimeout)
					joinTimeout = joinTimer.C
				}
			case transport.EventInactive:
				stopJoinTimer()
				p.onInactive()
			case transport.EventMessage:
				p.onMessage(ev.Message)
				if p.State() != StateJoining {
					stopJoinTimer()
				}
			}
		case <-p.wake:
			for _, update := range p.takePending() {
				p.onLocalUpdate(update)
			}
		case req := <-p.requests:
			switch req.kind {
			case evSetPresence:
				req.reply <- p.onSetPresence(req.state)
			}
		case <-joinTimeout:
			joinTimer, joinTimeout = nil, nil
			p.onJoinTimeout()
		case <-ticker.C:
			p.onTick()
		case <-p.done:
			stopJoinTimer()
			p.shutdown(cancelObserve)
			return
		}
	}
}

// tickInterval is the presence renewal and expiry period.
func tickInterval(timeout time.Duration) time.Duration {
	if tick := timeout / 10; tick > minTickInterval {
		return tick
	}
	return minTickInterval
}

func (p *Provider) onActive() {
	p.active = true
	p.activeOnce.Do(func() { close(p.activeCh) })
	p.setState(StateJoining)
	p.logger.Info().Msg("transport active, requesting sync")

	p.send(wire.KindSyncRequest, []byte(p.replica))

	if p.dirty || p.announce {
		if state, err := p.doc.EncodeState(); err != nil {
			p.fault(err)
		} else if p.send(wire.KindDocUpdate, state) {
			p.dirty, p.announce = false, false
		}
	}
	p.broadcastPresence()
}

func (p *Provider) onInactive() {
	p.active = false
	p.setState(StateUnsynced)
	p.logger.Info().Msg("transport inactive")
}

func (p *Provider) onJoinTimeout() {
	if p.State() == StateJoining {
		p.logger.Info().Dur("after", p.opts.JoinTimeout).Msg("no sync response, continuing unsynced")
		p.setState(StateUnsynced)
	}
}

func (p *Provider) onMessage(m wire.Message) {
	p.metrics.Received(string(m.Kind))

	switch m.Kind {
	case wire.KindDocUpdate:
		p.applyRemote(m.Kind, m.Payload)
	case wire.KindSyncRequest:
		p.onSyncRequest(string(m.Payload))
	case wire.KindSyncResponse:
		if p.applyRemote(m.Kind, m.Payload) {
			p.markSynced()
		}
	case wire.KindPresenceUpdate:
		p.onPresenceUpdate(m.Payload)
	default:
		p.metrics.DecodeError(string(m.Kind))
		p.logger.Warn().Str("kind", string(m.Kind)).Msg("dropping message of unknown kind")
	}
}

// applyRemote applies payload tagged remote and reports whether it was
// accepted. Payloads already applied are skipped and count as accepted.
func (p *Provider) applyRemote(kind wire.Kind, payload []byte) bool {
	digest := xxhash.Sum64(payload)
	if p.seen.Contains(digest) {
		p.metrics.Dropped("duplicate")
		return true
	}

	err := p.doc.Apply(payload, document.OriginRemote)
	switch {
	case err == nil:
		p.seen.Add(digest, struct{}{})
		return true
	case document.IsMalformed(err):
		p.metrics.DecodeError(string(kind))
		p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("dropping malformed payload")
	case errors.Is(err, document.ErrClosed):
	default:
		p.fault(err)
	}
	return false
}

func (p *Provider) onSyncRequest(requester string) {
	if requester == p.replica {
		return
	}
	state, err := p.doc.EncodeState()
	if err != nil {
		p.fault(err)
		return
	}
	p.logger.Debug().Str("requester", requester).Msg("answering sync request")
	p.send(wire.KindSyncResponse, state)
	p.broadcastPresence()
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	first := !p.synced
	p.synced = true
	p.mu.Unlock()

	p.setState(StateSynced)
	if first {
		p.syncedOnce.Do(func() { close(p.syncedCh) })
		p.logger.Info().Msg("synced")
	}
}

func (p *Provider) onPresenceUpdate(payload []byte) {
	change, err := p.table.Merge(payload)
	if err != nil {
		p.metrics.DecodeError(string(wire.KindPresenceUpdate))
		p.logger.Warn().Err(err).Msg("dropping malformed presence update")
		return
	}
	p.notifyPresence(change)
}

func (p *Provider) onLocalUpdate(update []byte) {
	if !p.active {
		p.dirty = true
		return
	}
	if !p.send(wire.KindDocUpdate, update) {
		p.dirty = true
	}
}

func (p *Provider) onSetPresence(state presence.State) error {
	delta, err := p.table.SetLocal(state)
	if err != nil {
		return err
	}
	if p.active {
		p.send(wire.KindPresenceUpdate, delta)
	}
	return nil
}

func (p *Provider) onTick() {
	if age, ok := p.table.LocalAge(); ok && age >= p.opts.PresenceTimeout/2 {
		delta, err := p.table.SetLocal(p.table.LocalState())
		if err == nil && p.active {
			p.send(wire.KindPresenceUpdate, delta)
		}
	}
	p.notifyPresence(p.table.Expire(p.opts.PresenceTimeout))
}

func (p *Provider) shutdown(cancelObserve func()) {
	cancelObserve()
	for _, update := range p.takePending() {
		p.onLocalUpdate(update)
	}

	if delta, err := p.table.RemoveLocal(); err == nil && p.active {
		p.send(wire.KindPresenceUpdate, delta)
	}
	p.active = false

	var errs []error
	if err := p.ch.Leave(); err != nil {
		errs = append(errs, errors.Wrap(err, "leave room"))
	}
	if err := p.doc.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "close document"))
	}
	if len(errs) > 0 {
		p.closeErr = errs[0]
	}

	p.setState(StateClosed)
	p.logger.Debug().Msg("provider closed")
}

func (p *Provider) broadcastPresence() {
	if _, live := p.table.LocalAge(); !live || !p.active {
		return
	}
	if delta, err := p.table.Encode(p.replica); err == nil {
		p.send(wire.KindPresenceUpdate, delta)
	}
}

// send publishes on the room and reports whether it went out. Transport
// failures are not errors to the caller.
func (p *Provider) send(kind wire.Kind, payload []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.SendTimeout)
	defer cancel()

	if err := p.ch.Send(ctx, kind, payload); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			p.logger.Debug().Str("kind", string(kind)).Msg("not connected, message not sent")
		} else {
			p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("send failed")
		}
		return false
	}
	p.metrics.Sent(string(kind))
	return true
}

func (p *Provider) fault(err error) {
	p.metrics.DocumentFault()
	p.logger.Error().Err(err).Msg("document fault")
	if p.opts.OnError != nil {
		p.opts.OnError(err)
	}
}

func (p *Provider) notifyPresence(change presence.Change) {
	if change.Empty() {
		return
	}
	p.logger.Debug().
		Strs("added", change.Added).
		Strs("updated", change.Updated).
		Strs("removed", change.Removed).
		Msg("presence changed")
	if p.opts.OnPresence != nil {
		p.opts.OnPresence(change)
	}
}
