package domain

import "time"

// MemoryItem is a single stored memory: a piece of durable knowledge
// about a user, scoped to a memory cube.
type MemoryItem struct {
	// ID uniquely identifies the memory within its cube.
	ID string `json:"id" validate:"required"`

	// UserID identifies the owning user.
	UserID string `json:"user_id" validate:"required"`

	// CubeID identifies the memory cube the item belongs to.
	CubeID string `json:"cube_id" validate:"required"`

	// Content is the memory text.
	Content string `json:"content" validate:"required"`

	// Kind distinguishes plain memories from extracted preferences.
	Kind MemoryKind `json:"kind,omitempty"`

	// Score is the relevance score attached by search; zero otherwise.
	Score float64 `json:"score,omitempty"`

	// CreatedAt records when the memory was first stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt records the last modification.
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryKind classifies a memory item.
type MemoryKind string

// Known memory kinds.
const (
	MemoryKindFact       MemoryKind = "fact"
	MemoryKindPreference MemoryKind = "preference"
	MemoryKindWorking    MemoryKind = "working"
)
