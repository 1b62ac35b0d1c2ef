package domain

// Per-label payload structs. Payloads are structured and compile-time
// checked end to end: handlers decode into these types and validate them
// before doing any work, so a renamed field shows up as a validation
// failure instead of silently dropped data.

// ChatTurn is a single turn of a conversation, as recorded by the chat
// surface that submits memory tasks.
type ChatTurn struct {
	Role    string `json:"role"    validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// QueryPayload accompanies LabelQuery: a user turn to record, which also
// fans out a consolidation task for the same cube.
type QueryPayload struct {
	Query string `json:"query" validate:"required"`
}

// AnswerPayload accompanies LabelAnswer: an assistant turn to record.
type AnswerPayload struct {
	Answer string `json:"answer" validate:"required"`
}

// AddPayload accompanies LabelAdd: memory items extracted earlier and now
// ready for embedding and persistence.
type AddPayload struct {
	Memories []MemoryItem `json:"memories" validate:"required,min=1,dive"`
}

// MemUpdatePayload accompanies LabelMemUpdate: working-memory
// consolidation for a cube, driven by the user's recent queries.
type MemUpdatePayload struct {
	RecentQueries []string `json:"recent_queries" validate:"required,min=1"`
}

// MemReadPayload accompanies LabelMemRead: raw chat history to mine for
// memory items.
type MemReadPayload struct {
	Turns []ChatTurn `json:"turns" validate:"required,min=1,dive"`
}

// MemReorganizePayload accompanies LabelMemReorganize.
type MemReorganizePayload struct {
	Scope string `json:"scope,omitempty"`
}

// PrefAddPayload accompanies LabelPrefAdd: chat history to mine for
// stable user preferences.
type PrefAddPayload struct {
	Turns []ChatTurn `json:"turns" validate:"required,min=1,dive"`
}

// FeedbackAction enumerates what a feedback submission asks for.
type FeedbackAction string

// Supported feedback actions.
const (
	FeedbackActionUpdate FeedbackAction = "update"
	FeedbackActionDelete FeedbackAction = "delete"
)

// MemFeedbackPayload accompanies LabelMemFeedback: a user correction to a
// previously stored memory.
type MemFeedbackPayload struct {
	MemoryID string         `json:"memory_id" validate:"required"`
	Action   FeedbackAction `json:"action"    validate:"required,oneof=update delete"`
	Content  string         `json:"content,omitempty"`
}
