package document

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the updates a document publishes.
type recorder struct {
	updates [][]byte
	origins []Origin
}

func (r *recorder) observe(update []byte, origin Origin) {
	r.updates = append(r.updates, update)
	r.origins = append(r.origins, origin)
}

func newTextT(t *testing.T) *Text {
	t.Helper()
	doc, err := NewText()
	require.NoError(t, err)
	return doc
}

func textOf(t *testing.T, doc *Text) string {
	t.Helper()
	s, err := doc.Content()
	require.NoError(t, err)
	return s
}

// edit makes a local edit on doc and returns the update it produced.
func edit(t *testing.T, doc *Text, s string) []byte {
	t.Helper()
	rec := &recorder{}
	cancel := doc.Observe(rec.observe)
	defer cancel()

	require.NoError(t, doc.Append(s))
	require.Len(t, rec.updates, 1)
	assert.Equal(t, OriginLocal, rec.origins[0])
	return rec.updates[0]
}

func TestText(t *testing.T) {
	t.Run("New document is empty", func(t *testing.T) {
		assert.Equal(t, "", textOf(t, newTextT(t)))
	})

	t.Run("Local edits produce updates", func(t *testing.T) {
		a := newTextT(t)
		u1 := edit(t, a, "hello")
		assert.NotEmpty(t, u1)
		assert.Equal(t, "hello", textOf(t, a))

		require.NoError(t, a.Insert(0, ">"))
		require.NoError(t, a.Delete(1, 1))
		assert.Equal(t, ">ello", textOf(t, a))
	})

	t.Run("Update applies on another replica", func(t *testing.T) {
		a, b := newTextT(t), newTextT(t)
		u1 := edit(t, a, "hello")

		require.NoError(t, b.Apply(u1, OriginRemote))
		assert.Equal(t, "hello", textOf(t, b))
	})

	t.Run("Applying an update twice equals applying it once", func(t *testing.T) {
		a, b := newTextT(t), newTextT(t)
		u1 := edit(t, a, "hello")

		require.NoError(t, b.Apply(u1, OriginRemote))
		once := textOf(t, b)
		require.NoError(t, b.Apply(u1, OriginRemote))
		assert.Equal(t, once, textOf(t, b))
	})

	t.Run("Independent updates commute", func(t *testing.T) {
		a, b := newTextT(t), newTextT(t)
		u1 := edit(t, a, "left")
		u2 := edit(t, b, "right")

		c, d := newTextT(t), newTextT(t)
		require.NoError(t, c.Apply(u1, OriginRemote))
		require.NoError(t, c.Apply(u2, OriginRemote))
		require.NoError(t, d.Apply(u2, OriginRemote))
		require.NoError(t, d.Apply(u1, OriginRemote))

		assert.Equal(t, textOf(t, c), textOf(t, d))
		assert.Len(t, textOf(t, c), len("left")+len("right"))
	})

	t.Run("Full state brings a fresh replica up to date", func(t *testing.T) {
		a, b := newTextT(t), newTextT(t)
		edit(t, a, "one ")
		u2 := edit(t, b, "two")
		require.NoError(t, a.Apply(u2, OriginRemote))

		state, err := a.EncodeState()
		require.NoError(t, err)

		c := newTextT(t)
		require.NoError(t, c.Apply(state, OriginRemote))
		assert.Equal(t, textOf(t, a), textOf(t, c))

		// A second copy of the same state is a no-op.
		require.NoError(t, c.Apply(state, OriginRemote))
		assert.Equal(t, textOf(t, a), textOf(t, c))
	})

	t.Run("LoadText restores a saved state", func(t *testing.T) {
		a := newTextT(t)
		edit(t, a, "draft")
		state, err := a.EncodeState()
		require.NoError(t, err)

		b, err := LoadText(state)
		require.NoError(t, err)
		assert.Equal(t, "draft", textOf(t, b))

		// The restored replica edits under its own actor.
		u := edit(t, b, "!")
		require.NoError(t, a.Apply(u, OriginRemote))
		assert.Equal(t, "draft!", textOf(t, a))
	})

	t.Run("Remote applies notify with the remote origin", func(t *testing.T) {
		a, b := newTextT(t), newTextT(t)
		u1 := edit(t, a, "x")

		rec := &recorder{}
		b.Observe(rec.observe)
		require.NoError(t, b.Apply(u1, OriginRemote))
		require.Len(t, rec.origins, 1)
		assert.Equal(t, OriginRemote, rec.origins[0])
	})

	t.Run("Cancelled observers are not called", func(t *testing.T) {
		a := newTextT(t)
		rec := &recorder{}
		cancel := a.Observe(rec.observe)
		cancel()
		require.NoError(t, a.Append("x"))
		assert.Empty(t, rec.updates)
	})

	t.Run("Malformed payloads are decode faults", func(t *testing.T) {
		a := newTextT(t)
		err := a.Apply([]byte("definitely not automerge"), OriginRemote)
		require.Error(t, err)
		assert.True(t, IsMalformed(err))

		// The document keeps working.
		u := edit(t, newTextT(t), "ok")
		require.NoError(t, a.Apply(u, OriginRemote))
		assert.Equal(t, "ok", textOf(t, a))

		_, err = LoadText([]byte{1, 2, 3})
		assert.True(t, IsMalformed(err))
	})

	t.Run("Closed document rejects operations", func(t *testing.T) {
		a := newTextT(t)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		assert.ErrorIs(t, a.Apply([]byte{}, OriginRemote), ErrClosed)
		assert.ErrorIs(t, a.Append("x"), ErrClosed)
		_, err := a.EncodeState()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "local", OriginLocal.String())
	assert.Equal(t, "remote", OriginRemote.String())
	assert.Equal(t, "unknown", Origin(7).String())
}
