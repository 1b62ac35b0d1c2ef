// Package memstore provides an in-memory memops.MemoryStore, used in
// development and as the fallback when no external memory backend is
// configured.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/memgrid/memsched/internal/domain"
)

// Store keeps memory items in process memory, keyed by cube then id.
// Search scores by term overlap; good enough for development, not a
// substitute for a vector index.
type Store struct {
	mu    sync.RWMutex
	cubes map[string]map[string]*domain.MemoryItem
}

// New creates an empty store.
func New() *Store {
	return &Store{cubes: make(map[string]map[string]*domain.MemoryItem)}
}

// Add stores new memory items.
func (s *Store) Add(ctx context.Context, items []*domain.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("%w: memory item id cannot be empty", domain.ErrValidation)
		}
		cube := s.cubes[item.CubeID]
		if cube == nil {
			cube = make(map[string]*domain.MemoryItem)
			s.cubes[item.CubeID] = cube
		}
		stored := *item
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		cube[item.ID] = &stored
	}
	return nil
}

// Search returns up to limit items from the cube ranked by term
// overlap with the query.
func (s *Store) Search(ctx context.Context, cubeID, query string, limit int) ([]*domain.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	var scored []*domain.MemoryItem
	for _, item := range s.cubes[cubeID] {
		content := strings.ToLower(item.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		match := *item
		match.Score = float64(hits) / float64(len(terms))
		scored = append(scored, &match)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Update upserts the item under its ID. A missing item is created, so
// callers writing through fixed IDs (working-memory slots) do not need a
// prior Add.
func (s *Store) Update(ctx context.Context, item *domain.MemoryItem) error {
	if item.ID == "" {
		return fmt.Errorf("%w: memory item ID cannot be empty", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cube := s.cubes[item.CubeID]
	if cube == nil {
		cube = make(map[string]*domain.MemoryItem)
		s.cubes[item.CubeID] = cube
	}

	stored := *item
	stored.UpdatedAt = time.Now().UTC()
	if existing := cube[item.ID]; existing != nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	cube[item.ID] = &stored
	return nil
}

// Delete removes the item. Deleting a missing item is not an error.
func (s *Store) Delete(ctx context.Context, cubeID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cube := s.cubes[cubeID]; cube != nil {
		delete(cube, itemID)
	}
	return nil
}
