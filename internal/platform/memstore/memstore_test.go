package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memgrid/memsched/internal/domain"
)

func item(id, cube, content string) *domain.MemoryItem {
	return &domain.MemoryItem{
		ID:      id,
		UserID:  "user-1",
		CubeID:  cube,
		Content: content,
		Kind:    domain.MemoryKindFact,
	}
}

func TestStore_AddAndSearch(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, []*domain.MemoryItem{
		item("m1", "cube-1", "parks the car on the second floor"),
		item("m2", "cube-1", "prefers short bullet point answers"),
		item("m3", "cube-2", "parks near the elevator"),
	}))

	hits, err := s.Search(ctx, "cube-1", "where does the user park the car", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)

	// Cube isolation.
	for _, h := range hits {
		assert.NotEqual(t, "m3", h.ID)
	}

	// Limit applies.
	limited, err := s.Search(ctx, "cube-1", "the", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Update(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, []*domain.MemoryItem{item("m1", "cube-1", "old content")}))

	updated := item("m1", "cube-1", "new content")
	require.NoError(t, s.Update(ctx, updated))

	hits, err := s.Search(ctx, "cube-1", "new content", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new content", hits[0].Content)

	// Upsert: updating an unseen ID creates the item, even in a cube the
	// store has never written before.
	require.NoError(t, s.Update(ctx, item("working:cube-9:0", "cube-9", "current focus")))
	hits, err = s.Search(ctx, "cube-9", "current focus", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "working:cube-9:0", hits[0].ID)
	assert.False(t, hits[0].CreatedAt.IsZero())

	err = s.Update(ctx, item("", "cube-1", "x"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, []*domain.MemoryItem{item("m1", "cube-1", "content here")}))

	require.NoError(t, s.Delete(ctx, "cube-1", "m1"))
	hits, err := s.Search(ctx, "cube-1", "content", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Idempotent.
	require.NoError(t, s.Delete(ctx, "cube-1", "m1"))
	require.NoError(t, s.Delete(ctx, "missing-cube", "m1"))
}

func TestStore_AddRequiresID(t *testing.T) {
	t.Parallel()

	s := New()
	err := s.Add(context.Background(), []*domain.MemoryItem{item("", "cube-1", "x")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
