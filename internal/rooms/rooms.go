// Package rooms maps document ids to the room ids their replicas meet in.
// A room id is assigned once per document and never reused for another.
package rooms

import (
	"context"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// ErrInvalidDocument is returned for empty document ids.
var ErrInvalidDocument = errors.New("rooms: invalid document id")

// Registry resolves the room of a document.
type Registry interface {
	Resolve(ctx context.Context, documentID string) (string, error)
}

// DefaultNamespace seeds the uuid-v5 room ids of Static.
var DefaultNamespace = uuid.MustParse("6f6e7a1e-2f0a-5c1b-9d55-636f6c6c6162")

// Static derives the room id from the document id, so every replica computes
// the same room without talking to anyone.
type Static struct {
	namespace uuid.UUID
}

// NewStatic returns a registry deriving ids in namespace. uuid.Nil selects
// DefaultNamespace.
func NewStatic(namespace uuid.UUID) *Static {
	if namespace == uuid.Nil {
		namespace = DefaultNamespace
	}
	return &Static{namespace: namespace}
}

func (s *Static) Resolve(_ context.Context, documentID string) (string, error) {
	if err := validate(documentID); err != nil {
		return "", err
	}
	return uuid.NewSHA1(s.namespace, []byte(documentID)).String(), nil
}

// Cached keeps recent resolutions of another registry in memory.
type Cached struct {
	inner Registry
	cache *lru.Cache[string, string]
}

// NewCached wraps inner with an LRU of size entries.
func NewCached(inner Registry, size int) (*Cached, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, errors.Wrap(err, "rooms: cache")
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Resolve(ctx context.Context, documentID string) (string, error) {
	if room, ok := c.cache.Get(documentID); ok {
		return room, nil
	}
	room, err := c.inner.Resolve(ctx, documentID)
	if err != nil {
		return "", err
	}
	c.cache.Add(documentID, room)
	return room, nil
}

func validate(documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return ErrInvalidDocument
	}
	return nil
}
