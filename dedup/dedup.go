// Package dedup tracks which record identities were already forwarded in a session.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/mapcamera-watch/models"
	"github.com/aluiziolira/mapcamera-watch/storage"
)

// Store is the forwarded-identity set. Identities are persisted as a JSON
// array of strings, oldest first; only the newest maxSize survive.
type Store struct {
	backend storage.Store

	mu  sync.Mutex
	ids *lru.Cache[string, struct{}]
}

// Load reads the persisted set. Missing or corrupt state starts empty.
func Load(ctx context.Context, backend storage.Store, maxSize int) (*Store, error) {
	ids, err := lru.New[string, struct{}](maxSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	var persisted []string
	if err := storage.LoadJSON(ctx, backend, storage.KeyForwarded, &persisted); err != nil && !errors.Is(err, storage.ErrNotFound) {
		slog.Warn("forwarded identities unreadable, starting empty",
			slog.String("component", "dedup"),
			slog.Any("error", err),
		)
		persisted = nil
	}
	for _, id := range persisted {
		ids.Add(id, struct{}{})
	}

	return &Store{backend: backend, ids: ids}, nil
}

// Has reports whether id was already forwarded.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Contains(id)
}

// Len returns the number of remembered identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids.Len()
}

// Filter drops docs whose identity is already known. Docs without an identity are kept.
func (s *Store) Filter(docs []models.ProductDoc) []models.ProductDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseenLocked(docs)
}

// MarkAll claims every unseen doc, persists the grown set, and returns the
// claimed docs. Claim and persist happen under one lock so concurrent callers
// never forward the same identity twice. A failed persist is logged and the
// in-memory claim stands.
func (s *Store) MarkAll(ctx context.Context, docs []models.ProductDoc) []models.ProductDoc {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := s.unseenLocked(docs)
	added := 0
	for _, doc := range fresh {
		if id, ok := doc.Identity(); ok {
			s.ids.Add(id, struct{}{})
			added++
		}
	}
	if added == 0 {
		return fresh
	}

	if err := storage.SaveJSON(ctx, s.backend, storage.KeyForwarded, s.ids.Keys()); err != nil {
		slog.Warn("persist forwarded identities failed",
			slog.String("component", "dedup"),
			slog.Int("count", s.ids.Len()),
			slog.Any("error", err),
		)
	}
	return fresh
}

func (s *Store) unseenLocked(docs []models.ProductDoc) []models.ProductDoc {
	out := make([]models.ProductDoc, 0, len(docs))
	batch := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		id, ok := doc.Identity()
		if !ok {
			out = append(out, doc)
			continue
		}
		if s.ids.Contains(id) {
			continue
		}
		if _, dup := batch[id]; dup {
			continue
		}
		batch[id] = struct{}{}
		out = append(out, doc)
	}
	return out
}
