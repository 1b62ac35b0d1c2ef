package memops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// errMalformedResponse marks LLM output that could not be parsed. It is
// permanent: re-sending the same prompt burns quota without fixing the
// contract.
var errMalformedResponse = errors.New("malformed LLM response")

// Deps carries the injected collaborators. The facade never constructs
// its own collaborators; nil optional ones disable the operations that
// need them.
type Deps struct {
	Memory   MemoryStore
	Embedder Embedder
	Vectors  VectorStore
	Graph    GraphStore
	LLM      LLM
}

// Config holds tuning knobs for the facade.
type Config struct {
	// TransientRetries bounds retries of transient I/O failures. If
	// zero, defaults to 3.
	TransientRetries uint64

	// RetryBase is the first retry delay; it grows exponentially. If
	// zero, defaults to 100ms.
	RetryBase time.Duration

	// SearchLimit bounds results returned per search. If zero, defaults
	// to 10.
	SearchLimit int

	// LLMRequestsPerMinute throttles calls to the LLM collaborator. If
	// zero, defaults to 60.
	LLMRequestsPerMinute float64
}

// Facade exposes the synchronous memory operations handlers call. All
// collaborator I/O runs under bounded transient-failure retry, and LLM
// calls additionally pass through a shared rate limiter.
type Facade struct {
	memory   MemoryStore
	embedder Embedder
	vectors  VectorStore
	graph    GraphStore
	llm      LLM

	limiter     *rate.Limiter
	retries     uint64
	retryBase   time.Duration
	searchLimit int
	logger      *slog.Logger
}

// New creates a Facade over the given collaborators. Memory and Embedder
// are required; the rest degrade the relevant operations when absent.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Facade, error) {
	if deps.Memory == nil {
		return nil, fmt.Errorf("%w: memory store cannot be nil", domain.ErrConfiguration)
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("%w: embedder cannot be nil", domain.ErrConfiguration)
	}

	if cfg.TransientRetries == 0 {
		cfg.TransientRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 100 * time.Millisecond
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 10
	}
	if cfg.LLMRequestsPerMinute <= 0 {
		cfg.LLMRequestsPerMinute = 60
	}

	return &Facade{
		memory:      deps.Memory,
		embedder:    deps.Embedder,
		vectors:     deps.Vectors,
		graph:       deps.Graph,
		llm:         deps.LLM,
		limiter:     rate.NewLimiter(rate.Limit(cfg.LLMRequestsPerMinute/60.0), 1),
		retries:     cfg.TransientRetries,
		retryBase:   cfg.RetryBase,
		searchLimit: cfg.SearchLimit,
		logger:      logger.With("component", "memops"),
	}, nil
}

// withRetry runs op under capped exponential backoff. Context errors are
// never retried; everything else is treated as transient up to the bound
// and surfaced wrapped in ErrTransientIO once exhausted.
func (f *Facade) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(f.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		opErr := op(ctx)
		if opErr == nil {
			return nil
		}
		if errors.Is(opErr, context.Canceled) || errors.Is(opErr, context.DeadlineExceeded) ||
			errors.Is(opErr, errMalformedResponse) {
			return opErr
		}
		return retry.RetryableError(opErr)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, errMalformedResponse) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
}

// generate calls the LLM through the shared rate limiter.
func (f *Facade) generate(ctx context.Context, prompt string) (string, error) {
	if f.llm == nil {
		return "", fmt.Errorf("%w: no LLM collaborator configured", domain.ErrConfiguration)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var out string
	err := f.withRetry(ctx, func(ctx context.Context) error {
		var genErr error
		out, genErr = f.llm.Generate(ctx, prompt)
		return genErr
	})
	return out, err
}

// AddMemories embeds and persists memory items. An item whose normalized
// content already exists in the cube's graph is updated in place instead
// of duplicated.
func (f *Facade) AddMemories(ctx context.Context, items []*domain.MemoryItem) error {
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.Content
	}

	var vectors [][]float32
	err := f.withRetry(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = f.embedder.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("failed to embed memories: %w", err)
	}
	if len(vectors) != len(items) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(vectors), len(items))
	}

	now := time.Now().UTC()
	var fresh []*domain.MemoryItem
	var freshRecords []*VectorRecord

	for i, item := range items {
		item.UpdatedAt = now

		if existing := f.findEquivalent(ctx, item); existing != "" {
			item.ID = existing
			if err := f.withRetry(ctx, func(ctx context.Context) error {
				return f.memory.Update(ctx, item)
			}); err != nil {
				return fmt.Errorf("failed to update equivalent memory %s: %w", existing, err)
			}
			if f.vectors != nil {
				record := &VectorRecord{ID: item.ID, CubeID: item.CubeID, Content: item.Content, Vector: vectors[i]}
				if err := f.withRetry(ctx, func(ctx context.Context) error {
					return f.vectors.Update(ctx, record)
				}); err != nil {
					return fmt.Errorf("failed to update vector for memory %s: %w", existing, err)
				}
			}
			continue
		}

		item.CreatedAt = now
		fresh = append(fresh, item)
		freshRecords = append(freshRecords, &VectorRecord{
			ID:      item.ID,
			CubeID:  item.CubeID,
			Content: item.Content,
			Vector:  vectors[i],
		})
	}

	if len(fresh) == 0 {
		return nil
	}

	if f.vectors != nil {
		if err := f.withRetry(ctx, func(ctx context.Context) error {
			return f.vectors.Insert(ctx, freshRecords)
		}); err != nil {
			return fmt.Errorf("failed to insert vectors: %w", err)
		}
	}

	if f.graph != nil {
		for _, item := range fresh {
			node := &GraphNode{
				ID:     item.ID,
				CubeID: item.CubeID,
				Labels: []string{"Memory"},
				Properties: map[string]any{
					"content":  item.Content,
					"norm_key": normalizeKey(item.Content),
					"kind":     string(item.Kind),
					"user_id":  item.UserID,
				},
			}
			if err := f.withRetry(ctx, func(ctx context.Context) error {
				return f.graph.WriteNode(ctx, node)
			}); err != nil {
				return fmt.Errorf("failed to write graph node for memory %s: %w", item.ID, err)
			}
		}
	}

	if err := f.withRetry(ctx, func(ctx context.Context) error {
		return f.memory.Add(ctx, fresh)
	}); err != nil {
		return fmt.Errorf("failed to add memories: %w", err)
	}
	return nil
}

// findEquivalent looks up the graph for a memory whose normalized content
// matches the item. Returns the existing ID or empty.
func (f *Facade) findEquivalent(ctx context.Context, item *domain.MemoryItem) string {
	if f.graph == nil {
		return ""
	}

	query := "MATCH (m:Memory {norm_key: $norm_key}) RETURN m.id AS id LIMIT 1"
	params := map[string]any{"norm_key": normalizeKey(item.Content)}

	var rows []map[string]any
	err := f.withRetry(ctx, func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = f.graph.Query(ctx, item.CubeID, query, params)
		return queryErr
	})
	if err != nil {
		// Dedup is best effort; failing open just risks a duplicate.
		f.logger.Warn("equivalence lookup failed, treating memory as new",
			"cube_id", item.CubeID,
			"error", err)
		return ""
	}

	if len(rows) == 0 {
		return ""
	}
	id, _ := rows[0]["id"].(string)
	return id
}

// SearchMemories embeds the query and merges vector-store and
// memory-store results, best score first.
func (f *Facade) SearchMemories(ctx context.Context, cubeID, query string) ([]*domain.MemoryItem, error) {
	var vectors [][]float32
	err := f.withRetry(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = f.embedder.Embed(ctx, []string{query})
		return embedErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed search query: %w", err)
	}

	seen := make(map[string]*domain.MemoryItem)

	if f.vectors != nil && len(vectors) == 1 {
		var matches []*VectorMatch
		err := f.withRetry(ctx, func(ctx context.Context) error {
			var searchErr error
			matches, searchErr = f.vectors.Search(ctx, cubeID, vectors[0], f.searchLimit)
			return searchErr
		})
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		for _, m := range matches {
			seen[m.ID] = &domain.MemoryItem{
				ID:      m.ID,
				CubeID:  cubeID,
				Content: m.Content,
				Score:   m.Score,
			}
		}
	}

	var stored []*domain.MemoryItem
	err = f.withRetry(ctx, func(ctx context.Context) error {
		var searchErr error
		stored, searchErr = f.memory.Search(ctx, cubeID, query, f.searchLimit)
		return searchErr
	})
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}
	for _, item := range stored {
		if existing, ok := seen[item.ID]; ok {
			if item.Score > existing.Score {
				seen[item.ID] = item
			}
			continue
		}
		seen[item.ID] = item
	}

	merged := make([]*domain.MemoryItem, 0, len(seen))
	for _, item := range seen {
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > f.searchLimit {
		merged = merged[:f.searchLimit]
	}
	return merged, nil
}

// ReplaceWorkingMemory reranks candidate memories against the user's
// recent queries with the LLM and stores the winners as the cube's
// working memory. This is the consolidation step behind mem_update tasks.
func (f *Facade) ReplaceWorkingMemory(ctx context.Context, userID, cubeID string, recentQueries []string) error {
	if len(recentQueries) == 0 {
		return fmt.Errorf("%w: no recent queries to consolidate", domain.ErrValidation)
	}

	candidates, err := f.SearchMemories(ctx, cubeID, strings.Join(recentQueries, "\n"))
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	contents := make([]string, len(candidates))
	for i, c := range candidates {
		contents[i] = c.Content
	}

	out, err := f.generate(ctx, rerankPrompt(recentQueries, contents))
	if err != nil {
		return fmt.Errorf("working-memory rerank failed: %w", err)
	}

	ranked, err := parseStringList(out)
	if err != nil {
		return fmt.Errorf("working-memory rerank failed: %w", err)
	}

	now := time.Now().UTC()
	for i, content := range ranked {
		item := &domain.MemoryItem{
			ID:        fmt.Sprintf("working:%s:%d", cubeID, i),
			UserID:    userID,
			CubeID:    cubeID,
			Content:   content,
			Kind:      domain.MemoryKindWorking,
			UpdatedAt: now,
		}
		if err := f.withRetry(ctx, func(ctx context.Context) error {
			return f.memory.Update(ctx, item)
		}); err != nil {
			return fmt.Errorf("failed to store working memory slot %d: %w", i, err)
		}
	}
	return nil
}

// ExtractMemories mines durable memory items out of raw chat turns.
func (f *Facade) ExtractMemories(ctx context.Context, userID, cubeID string, turns []domain.ChatTurn) ([]*domain.MemoryItem, error) {
	out, err := f.generate(ctx, extractionPrompt(turns))
	if err != nil {
		return nil, fmt.Errorf("memory extraction failed: %w", err)
	}

	contents, err := parseStringList(out)
	if err != nil {
		return nil, fmt.Errorf("memory extraction failed: %w", err)
	}

	items := make([]*domain.MemoryItem, 0, len(contents))
	for _, content := range contents {
		items = append(items, &domain.MemoryItem{
			ID:      uuid.NewString(),
			UserID:  userID,
			CubeID:  cubeID,
			Content: content,
			Kind:    domain.MemoryKindFact,
		})
	}
	return items, nil
}

// ExtractPreferences mines stable user preferences out of chat turns and
// stores them.
func (f *Facade) ExtractPreferences(ctx context.Context, userID, cubeID string, turns []domain.ChatTurn) error {
	out, err := f.generate(ctx, preferencePrompt(turns))
	if err != nil {
		return fmt.Errorf("preference extraction failed: %w", err)
	}

	contents, err := parseStringList(out)
	if err != nil {
		return fmt.Errorf("preference extraction failed: %w", err)
	}
	if len(contents) == 0 {
		return nil
	}

	items := make([]*domain.MemoryItem, 0, len(contents))
	for _, content := range contents {
		items = append(items, &domain.MemoryItem{
			ID:      uuid.NewString(),
			UserID:  userID,
			CubeID:  cubeID,
			Content: content,
			Kind:    domain.MemoryKindPreference,
		})
	}
	return f.AddMemories(ctx, items)
}

// ApplyFeedback updates or deletes a memory per user feedback.
func (f *Facade) ApplyFeedback(ctx context.Context, userID, cubeID string, fb domain.MemFeedbackPayload) error {
	switch fb.Action {
	case domain.FeedbackActionDelete:
		if err := f.withRetry(ctx, func(ctx context.Context) error {
			return f.memory.Delete(ctx, cubeID, fb.MemoryID)
		}); err != nil {
			return fmt.Errorf("failed to delete memory %s: %w", fb.MemoryID, err)
		}
		if f.vectors != nil {
			if err := f.withRetry(ctx, func(ctx context.Context) error {
				return f.vectors.Delete(ctx, []string{fb.MemoryID})
			}); err != nil {
				return fmt.Errorf("failed to delete vector %s: %w", fb.MemoryID, err)
			}
		}
		return nil

	case domain.FeedbackActionUpdate:
		if fb.Content == "" {
			return fmt.Errorf("%w: feedback update requires content", domain.ErrValidation)
		}
		item := &domain.MemoryItem{
			ID:        fb.MemoryID,
			UserID:    userID,
			CubeID:    cubeID,
			Content:   fb.Content,
			Kind:      domain.MemoryKindFact,
			UpdatedAt: time.Now().UTC(),
		}
		if err := f.withRetry(ctx, func(ctx context.Context) error {
			return f.memory.Update(ctx, item)
		}); err != nil {
			return fmt.Errorf("failed to update memory %s: %w", fb.MemoryID, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown feedback action %q", domain.ErrValidation, fb.Action)
	}
}

// ReorganizeGraph links memories in the cube that share a normalized key
// prefix, rebuilding related-to edges.
func (f *Facade) ReorganizeGraph(ctx context.Context, cubeID string) error {
	if f.graph == nil {
		return nil
	}

	query := "MATCH (m:Memory) RETURN m.id AS id, m.norm_key AS norm_key"
	var rows []map[string]any
	err := f.withRetry(ctx, func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = f.graph.Query(ctx, cubeID, query, nil)
		return queryErr
	})
	if err != nil {
		return fmt.Errorf("graph reorganization query failed: %w", err)
	}

	// Group nodes by the first token of their normalized key and link
	// members of each group.
	groups := make(map[string][]string)
	for _, row := range rows {
		id, _ := row["id"].(string)
		key, _ := row["norm_key"].(string)
		if id == "" || key == "" {
			continue
		}
		token := strings.SplitN(key, " ", 2)[0]
		groups[token] = append(groups[token], id)
	}

	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		for i := 1; i < len(ids); i++ {
			edge := &GraphEdge{
				FromID: ids[0],
				ToID:   ids[i],
				Kind:   "RELATED_TO",
			}
			if err := f.withRetry(ctx, func(ctx context.Context) error {
				return f.graph.WriteEdge(ctx, edge)
			}); err != nil {
				return fmt.Errorf("failed to write graph edge: %w", err)
			}
		}
	}
	return nil
}

// RecordTurn appends a chat turn to the cube's history as a working
// memory item. Turns are store-only: they are not embedded, they feed
// later extraction and consolidation tasks.
func (f *Facade) RecordTurn(ctx context.Context, userID, cubeID string, turn domain.ChatTurn) error {
	if turn.Content == "" {
		return fmt.Errorf("%w: turn content cannot be empty", domain.ErrValidation)
	}
	now := time.Now().UTC()
	item := &domain.MemoryItem{
		ID:        uuid.NewString(),
		UserID:    userID,
		CubeID:    cubeID,
		Content:   fmt.Sprintf("%s: %s", turn.Role, turn.Content),
		Kind:      domain.MemoryKindWorking,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.withRetry(ctx, func(ctx context.Context) error {
		return f.memory.Add(ctx, []*domain.MemoryItem{item})
	}); err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// normalizeKey reduces content to the form used for equivalence checks.
func normalizeKey(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// parseStringList decodes a JSON array of strings out of LLM output,
// tolerating surrounding code fences.
func parseStringList(out string) ([]string, error) {
	trimmed := strings.TrimSpace(out)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var list []string
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	return list, nil
}
