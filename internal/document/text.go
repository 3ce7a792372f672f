package document

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// contentKey is the root key holding the text object.
const contentKey = "content"

// magic prefixes every automerge chunk, whether a full document or a change.
var magic = []byte{0x85, 0x6f, 0x4a, 0x83}

// Every replica starts from the same base change so that independently
// created documents share one text object instead of racing to create it.
var (
	baseActor = strings.Repeat("0", 32)
	baseTime  = time.Unix(0, 0).UTC()
)

// Text is a plain-text replicated document backed by automerge.
type Text struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[uint64]Observer
	nextID    uint64
	closed    bool
}

var _ Document = (*Text)(nil)

// NewText returns an empty text document with a fresh actor id.
func NewText() (*Text, error) {
	doc := automerge.New()
	if err := doc.SetActorID(baseActor); err != nil {
		return nil, errors.Wrap(err, "document: set base actor")
	}
	if err := doc.Path(contentKey).Set(automerge.NewText("")); err != nil {
		return nil, errors.Wrap(err, "document: create text")
	}
	if _, err := doc.Commit("init", automerge.CommitOptions{Time: &baseTime}); err != nil {
		return nil, errors.Wrap(err, "document: commit base")
	}
	return newText(doc)
}

// LoadText restores a text document from a full state produced by
// EncodeState.
func LoadText(state []byte) (*Text, error) {
	if !bytes.HasPrefix(state, magic) {
		return nil, errors.Wrap(ErrMalformedUpdate, "load: missing chunk header")
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedUpdate, "load: %v", err)
	}
	return newText(doc)
}

func newText(doc *automerge.Doc) (*Text, error) {
	if err := doc.SetActorID(newActorID()); err != nil {
		return nil, errors.Wrap(err, "document: set actor")
	}
	// Start incremental saves from here so the first local update only
	// carries the first local edit.
	doc.SaveIncremental()
	return &Text{
		doc:       doc,
		observers: make(map[uint64]Observer),
	}, nil
}

func newActorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Observe registers fn for every subsequent update. The returned func
// removes it.
func (t *Text) Observe(fn Observer) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Apply merges an incremental update or a full state.
func (t *Text) Apply(update []byte, origin Origin) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if err := t.load(update); err != nil {
		t.mu.Unlock()
		return err
	}
	observers := t.observerList()
	t.mu.Unlock()

	notify(observers, update, origin)
	return nil
}

// load runs under t.mu. A panic inside automerge is a document fault, not a
// decode fault.
func (t *Text) load(update []byte) (err error) {
	// LoadIncremental skips what it cannot parse, so reject foreign bytes
	// up front.
	if !bytes.HasPrefix(update, magic) {
		return errors.Wrap(ErrMalformedUpdate, "missing chunk header")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("document: apply failed: %v", r)
		}
	}()
	if err := t.doc.LoadIncremental(update); err != nil {
		return errors.Wrapf(ErrMalformedUpdate, "%v", err)
	}
	// Remote changes must not show up in the next local update.
	t.doc.SaveIncremental()
	return nil
}

// EncodeState returns the full document state.
func (t *Text) EncodeState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	return t.doc.Save(), nil
}

// Edit runs fn against the text object and publishes the resulting update
// to observers as a local update.
func (t *Text) Edit(fn func(text *automerge.Text) error) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if err := fn(t.doc.Path(contentKey).Text()); err != nil {
		t.mu.Unlock()
		return errors.Wrap(err, "document: edit")
	}
	update := t.doc.SaveIncremental()
	observers := t.observerList()
	t.mu.Unlock()

	if len(update) > 0 {
		notify(observers, update, OriginLocal)
	}
	return nil
}

// Insert inserts s at rune position pos.
func (t *Text) Insert(pos int, s string) error {
	return t.Edit(func(text *automerge.Text) error {
		return text.Insert(pos, s)
	})
}

// Delete removes n characters starting at pos.
func (t *Text) Delete(pos, n int) error {
	return t.Edit(func(text *automerge.Text) error {
		return text.Delete(pos, n)
	})
}

// Append adds s at the end of the text.
func (t *Text) Append(s string) error {
	return t.Edit(func(text *automerge.Text) error {
		return text.Insert(text.Len(), s)
	})
}

// Content returns the current text.
func (t *Text) Content() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", ErrClosed
	}
	s, err := t.doc.Path(contentKey).Text().Get()
	if err != nil {
		return "", errors.Wrap(err, "document: read text")
	}
	return s, nil
}

// Close releases the document. Further calls return ErrClosed.
func (t *Text) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.observers = make(map[uint64]Observer)
	return nil
}

func (t *Text) observerList() []Observer {
	list := make([]Observer, 0, len(t.observers))
	for _, fn := range t.observers {
		list = append(list, fn)
	}
	return list
}

func notify(observers []Observer, update []byte, origin Origin) {
	for _, fn := range observers {
		fn(update, origin)
	}
}
