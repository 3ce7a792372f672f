// Package session binds document ids to live sync providers. A Manager
// owns at most one provider per document and hands off cleanly when a
// document is re-attached or the local identity changes.
package session

import (
	"context"
	"sync"

	"collabtext/internal/document"
	"collabtext/internal/presence"
	"collabtext/internal/provider"
	"collabtext/internal/rooms"
	"collabtext/internal/transport"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("session: manager closed")

// Identity is what a user shows to the other editors.
type Identity struct {
	UserID      string
	DisplayName string
	Color       string
}

// State is the presence state published for i.
func (i Identity) State() presence.State {
	return presence.State{
		"user_id":      i.UserID,
		"display_name": i.DisplayName,
		"color":        i.Color,
	}
}

// Drafts stores the last known state of documents across restarts.
type Drafts interface {
	Load(documentID string) ([]byte, error)
	Save(documentID string, state []byte) error
}

// Config wires a Manager.
type Config struct {
	Factory  transport.Factory
	Registry rooms.Registry
	// Drafts is optional.
	Drafts Drafts
	// Provider is the template for every provider. Announce is set per
	// attach.
	Provider provider.Options
	Logger   zerolog.Logger
}

// Manager owns the sessions of one process.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	identity Identity
	handles  map[string]*Handle
	closed   bool
}

// NewManager returns a manager publishing identity.
func NewManager(cfg Config, identity Identity) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("session: room registry is required")
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "session").Logger(),
		identity: identity,
		handles:  make(map[string]*Handle),
	}, nil
}

// Handle is one attached document.
type Handle struct {
	documentID string
	room       string
	doc        *document.Text
	provider   *provider.Provider
	manager    *Manager

	detachOnce sync.Once
	detachErr  error
}

func (h *Handle) DocumentID() string {
	return h.documentID
}

func (h *Handle) Room() string {
	return h.room
}

// Document is the live document. Edits made through it are synchronized.
func (h *Handle) Document() *document.Text {
	return h.doc
}

func (h *Handle) Provider() *provider.Provider {
	return h.provider
}

// Presence lists who is editing, this replica included.
func (h *Handle) Presence() []presence.Entry {
	return h.provider.Presence()
}

// Detach is Manager.Detach(h).
func (h *Handle) Detach() error {
	return h.manager.Detach(h)
}

// Attach opens documentID and returns once the room's transport is active.
// An existing handle for the same document is detached first.
func (m *Manager) Attach(ctx context.Context, documentID string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	old := m.handles[documentID]
	identity := m.identity
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Str("document", documentID).Msg("re-attaching, detaching previous session")
		if err := old.Detach(); err != nil {
			m.logger.Warn().Err(err).Str("document", documentID).Msg("detach previous session")
		}
	}

	room, err := m.cfg.Registry.Resolve(ctx, documentID)
	if err != nil {
		return nil, errors.Wrapf(err, "session: resolve room of %q", documentID)
	}

	doc, restored, err := m.newDocument(documentID)
	if err != nil {
		return nil, err
	}

	opts := m.cfg.Provider
	opts.Announce = restored
	opts.Logger = m.logger.With().Str("document", documentID).Logger()
	p, err := provider.Open(ctx, room, doc, m.cfg.Factory, opts)
	if err != nil {
		doc.Close()
		return nil, errors.Wrapf(err, "session: open %q", documentID)
	}
	if err := p.SetPresence(identity.State()); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "session: set presence")
	}

	select {
	case <-p.Active():
	case <-ctx.Done():
		p.Close()
		return nil, errors.Wrapf(ctx.Err(), "session: waiting for room %s", room)
	}

	h := &Handle{documentID: documentID, room: room, doc: doc, provider: p, manager: m}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.Close()
		return nil, ErrClosed
	}
	// A concurrent Attach of the same document may have won the race.
	displaced := m.handles[documentID]
	m.handles[documentID] = h
	m.mu.Unlock()

	if displaced != nil {
		displaced.Detach()
	}
	m.logger.Info().Str("document", documentID).Str("room", room).Bool("restored", restored).Msg("attached")
	return h, nil
}

func (m *Manager) newDocument(documentID string) (*document.Text, bool, error) {
	if m.cfg.Drafts != nil {
		if state, err := m.cfg.Drafts.Load(documentID); err == nil {
			doc, err := document.LoadText(state)
			if err == nil {
				return doc, true, nil
			}
			m.logger.Warn().Err(err).Str("document", documentID).Msg("discarding unreadable draft")
		}
	}
	doc, err := document.NewText()
	if err != nil {
		return nil, false, errors.Wrap(err, "session: new document")
	}
	return doc, false, nil
}

// UpdateLocalIdentity publishes identity on every attached document
// without rejoining.
func (m *Manager) UpdateLocalIdentity(identity Identity) error {
	m.mu.Lock()
	m.identity = identity
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.provider.SetPresence(identity.State()); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "session: update identity on %q", h.documentID)
		}
	}
	return firstErr
}

// Identity returns the identity currently published.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Handle returns the attached handle of documentID.
func (m *Manager) Handle(documentID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[documentID]
	return h, ok
}

// Detach saves the draft, if drafts are configured, and closes the
// provider, which tombstones the local presence. It is idempotent.
func (m *Manager) Detach(h *Handle) error {
	h.detachOnce.Do(func() {
		m.mu.Lock()
		if m.handles[h.documentID] == h {
			delete(m.handles, h.documentID)
		}
		m.mu.Unlock()

		if m.cfg.Drafts != nil {
			if state, err := h.doc.EncodeState(); err == nil {
				if err := m.cfg.Drafts.Save(h.documentID, state); err != nil {
					m.logger.Warn().Err(err).Str("document", h.documentID).Msg("saving draft")
				}
			}
		}
		h.detachErr = h.provider.Close()
		m.logger.Info().Str("document", h.documentID).Msg("detached")
	})
	return h.detachErr
}

// Close detaches every document and refuses new attaches. It returns early
// with ctx's error if detaching takes too long.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, h := range handles {
			if err := h.Detach(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		done <- firstErr
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
