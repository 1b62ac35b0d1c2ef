// Package handlers binds each task label to its business logic over the
// memory operations facade. Every handler decodes its typed payload and
// validates it before touching any collaborator, so a malformed payload
// fails loudly instead of silently dropping fields.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/scheduler"
)

// MemoryOps is the slice of the memory facade the handlers consume.
// Version: 1.0
type MemoryOps interface {
	RecordTurn(ctx context.Context, userID, cubeID string, turn domain.ChatTurn) error
	AddMemories(ctx context.Context, items []*domain.MemoryItem) error
	ReplaceWorkingMemory(ctx context.Context, userID, cubeID string, recentQueries []string) error
	ExtractMemories(ctx context.Context, userID, cubeID string, turns []domain.ChatTurn) ([]*domain.MemoryItem, error)
	ExtractPreferences(ctx context.Context, userID, cubeID string, turns []domain.ChatTurn) error
	ApplyFeedback(ctx context.Context, userID, cubeID string, fb domain.MemFeedbackPayload) error
	ReorganizeGraph(ctx context.Context, cubeID string) error
}

// Submitter enqueues follow-up schedule messages. Satisfied by
// *scheduler.Scheduler.
// Version: 1.0
type Submitter interface {
	SubmitMessages(ctx context.Context, msgs []*domain.ScheduleMessage) ([]uuid.UUID, error)
}

// Deps carries the collaborators shared by all handlers.
type Deps struct {
	Ops       MemoryOps
	Submitter Submitter
	Logger    *slog.Logger
}

// Handlers holds one method per task label.
type Handlers struct {
	ops       MemoryOps
	submitter Submitter
	logger    *slog.Logger
	validate  *validator.Validate
}

// New creates the handler set.
func New(deps Deps) (*Handlers, error) {
	if deps.Ops == nil {
		return nil, fmt.Errorf("%w: memory ops cannot be nil", domain.ErrConfiguration)
	}
	if deps.Submitter == nil {
		return nil, fmt.Errorf("%w: submitter cannot be nil", domain.ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		ops:       deps.Ops,
		submitter: deps.Submitter,
		logger:    logger.With(slog.String("component", "handlers")),
		validate:  validator.New(),
	}, nil
}

// RegisterAll binds every label to its handler. Preference extraction
// runs long LLM conversations and carries a larger budget.
func (h *Handlers) RegisterAll(s *scheduler.Scheduler) error {
	bindings := []struct {
		label   domain.TaskLabel
		handler scheduler.HandlerFunc
		opts    []scheduler.RegisterOption
	}{
		{label: domain.LabelQuery, handler: h.HandleQuery},
		{label: domain.LabelAnswer, handler: h.HandleAnswer},
		{label: domain.LabelAdd, handler: h.HandleAdd},
		{label: domain.LabelMemUpdate, handler: h.HandleMemUpdate},
		{label: domain.LabelMemRead, handler: h.HandleMemRead},
		{label: domain.LabelMemReorganize, handler: h.HandleMemReorganize},
		{label: domain.LabelPrefAdd, handler: h.HandlePrefAdd,
			opts: []scheduler.RegisterOption{scheduler.WithTimeout(10 * time.Minute)}},
		{label: domain.LabelMemFeedback, handler: h.HandleMemFeedback},
	}
	for _, b := range bindings {
		if err := s.Register(b.label, b.handler, b.opts...); err != nil {
			return err
		}
	}
	return nil
}

// decode unmarshals and validates a payload struct.
func (h *Handlers) decode(msg *domain.ScheduleMessage, v any) error {
	if err := msg.DecodePayload(v); err != nil {
		return err
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

// HandleQuery records the user turn, then fans out a working-memory
// consolidation task for the same user and cube. The fan-out carries a
// dedup key, so a burst of queries collapses into one pending
// consolidation.
func (h *Handlers) HandleQuery(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.QueryPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}

	turn := domain.ChatTurn{Role: "user", Content: p.Query}
	if err := h.ops.RecordTurn(ctx, msg.UserID, msg.CubeID, turn); err != nil {
		return err
	}

	follow, err := domain.NewScheduleMessage(domain.LabelMemUpdate, msg.UserID, msg.CubeID,
		domain.MemUpdatePayload{RecentQueries: []string{p.Query}})
	if err != nil {
		return err
	}
	follow.DedupKey = fmt.Sprintf("mem_update:%s:%s", msg.UserID, msg.CubeID)

	if _, err := h.submitter.SubmitMessages(ctx, []*domain.ScheduleMessage{follow}); err != nil {
		return fmt.Errorf("failed to schedule consolidation: %w", err)
	}
	return nil
}

// HandleAnswer records the assistant turn.
func (h *Handlers) HandleAnswer(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.AnswerPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	turn := domain.ChatTurn{Role: "assistant", Content: p.Answer}
	return h.ops.RecordTurn(ctx, msg.UserID, msg.CubeID, turn)
}

// HandleAdd embeds and persists previously extracted memory items.
func (h *Handlers) HandleAdd(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.AddPayload
	if err := msg.DecodePayload(&p); err != nil {
		return err
	}
	if len(p.Memories) == 0 {
		return fmt.Errorf("%w: add payload carries no memories", domain.ErrValidation)
	}

	// Scope defaults come from the message before validation, so items
	// may omit user and cube.
	items := make([]*domain.MemoryItem, 0, len(p.Memories))
	for i := range p.Memories {
		item := p.Memories[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.UserID == "" {
			item.UserID = msg.UserID
		}
		if item.CubeID == "" {
			item.CubeID = msg.CubeID
		}
		items = append(items, &item)
	}
	for _, item := range items {
		if err := h.validate.Struct(item); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}
	return h.ops.AddMemories(ctx, items)
}

// HandleMemUpdate replaces the cube's working memory based on the
// user's recent queries.
func (h *Handlers) HandleMemUpdate(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.MemUpdatePayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	return h.ops.ReplaceWorkingMemory(ctx, msg.UserID, msg.CubeID, p.RecentQueries)
}

// HandleMemRead mines memory items out of chat history, then fans out
// an add task to persist whatever was found.
func (h *Handlers) HandleMemRead(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.MemReadPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}

	items, err := h.ops.ExtractMemories(ctx, msg.UserID, msg.CubeID, p.Turns)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		h.logger.Debug("no memories extracted",
			slog.String("task_id", msg.TaskID.String()),
			slog.String("cube_id", msg.CubeID))
		return nil
	}

	memories := make([]domain.MemoryItem, 0, len(items))
	for _, item := range items {
		memories = append(memories, *item)
	}
	follow, err := domain.NewScheduleMessage(domain.LabelAdd, msg.UserID, msg.CubeID,
		domain.AddPayload{Memories: memories})
	if err != nil {
		return err
	}
	if _, err := h.submitter.SubmitMessages(ctx, []*domain.ScheduleMessage{follow}); err != nil {
		return fmt.Errorf("failed to schedule memory add: %w", err)
	}
	return nil
}

// HandleMemReorganize rebuilds relationship edges in the cube's graph.
func (h *Handlers) HandleMemReorganize(ctx context.Context, msg *domain.ScheduleMessage) error {
	// The payload is optional; reorganization needs only the cube.
	if len(msg.Payload) > 0 {
		var p domain.MemReorganizePayload
		if err := h.decode(msg, &p); err != nil {
			return err
		}
	}
	return h.ops.ReorganizeGraph(ctx, msg.CubeID)
}

// HandlePrefAdd mines stable preferences out of chat history and stores
// them.
func (h *Handlers) HandlePrefAdd(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.PrefAddPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	return h.ops.ExtractPreferences(ctx, msg.UserID, msg.CubeID, p.Turns)
}

// HandleMemFeedback applies a user correction to a stored memory.
func (h *Handlers) HandleMemFeedback(ctx context.Context, msg *domain.ScheduleMessage) error {
	var p domain.MemFeedbackPayload
	if err := h.decode(msg, &p); err != nil {
		return err
	}
	return h.ops.ApplyFeedback(ctx, msg.UserID, msg.CubeID, p)
}
