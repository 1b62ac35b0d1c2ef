// Package memops provides the synchronous memory operations task handlers
// run against the memory stores: embedding, vector and graph persistence,
// search, and LLM-driven extraction and consolidation. The facade retries
// transient I/O at its own layer, beneath and distinct from worker-level
// task redelivery.
package memops

import (
	"context"

	"github.com/memgrid/memsched/internal/domain"
)

// MemoryStore is the memory persistence abstraction handlers write
// through. Implemented externally and injected at construction.
// Version: 1.0
type MemoryStore interface {
	// Add stores new memory items.
	Add(ctx context.Context, items []*domain.MemoryItem) error

	// Search returns items in the cube relevant to the query text.
	Search(ctx context.Context, cubeID, query string, limit int) ([]*domain.MemoryItem, error)

	// Update upserts the item under its ID: a missing item is created,
	// an existing one is replaced. Consolidation rewrites fixed
	// working-memory slot IDs through this method, so implementations
	// must not require the ID to exist.
	Update(ctx context.Context, item *domain.MemoryItem) error

	// Delete removes the item from the cube.
	Delete(ctx context.Context, cubeID, itemID string) error
}

// Embedder converts texts into embedding vectors.
// Version: 1.0
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorRecord is an embedding plus the identifiers needed to map a
// vector match back to its memory item.
type VectorRecord struct {
	ID      string
	CubeID  string
	Content string
	Vector  []float32
}

// VectorMatch is a search hit from the vector store.
type VectorMatch struct {
	ID      string
	Content string
	Score   float64
}

// VectorStore persists and searches embedding vectors.
// Version: 1.0
type VectorStore interface {
	Insert(ctx context.Context, records []*VectorRecord) error
	Search(ctx context.Context, cubeID string, vector []float32, limit int) ([]*VectorMatch, error)
	Update(ctx context.Context, record *VectorRecord) error
	Delete(ctx context.Context, ids []string) error
}

// GraphNode is a node written to the memory graph.
type GraphNode struct {
	ID         string
	CubeID     string
	Labels     []string
	Properties map[string]any
}

// GraphEdge is a relationship between two graph nodes.
type GraphEdge struct {
	FromID     string
	ToID       string
	Kind       string
	Properties map[string]any
}

// GraphStore persists and queries the memory graph.
// Version: 1.0
type GraphStore interface {
	WriteNode(ctx context.Context, node *GraphNode) error
	WriteEdge(ctx context.Context, edge *GraphEdge) error

	// Query runs a read query scoped to a cube and returns one map per
	// result row. Caller values are passed through params, never
	// interpolated into the query text.
	Query(ctx context.Context, cubeID, query string, params map[string]any) ([]map[string]any, error)
}

// LLM generates text from a prompt.
// Version: 1.0
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
