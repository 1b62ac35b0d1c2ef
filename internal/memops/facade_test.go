package memops_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/memops"
	"github.com/memgrid/memsched/internal/platform/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemoryStore records items in memory and can be told to fail a
// number of times before succeeding, to exercise the transient retry.
type fakeMemoryStore struct {
	mu        sync.Mutex
	items     map[string]*domain.MemoryItem
	failTimes int
	calls     int
}

func newFakeMemoryStore() *fakeMemoryStore {
	return &fakeMemoryStore{items: make(map[string]*domain.MemoryItem)}
}

func (s *fakeMemoryStore) maybeFail() error {
	s.calls++
	if s.failTimes > 0 {
		s.failTimes--
		return errors.New("transient store failure")
	}
	return nil
}

func (s *fakeMemoryStore) Add(ctx context.Context, items []*domain.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return nil
}

func (s *fakeMemoryStore) Search(ctx context.Context, cubeID, query string, limit int) ([]*domain.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return nil, err
	}
	var out []*domain.MemoryItem
	for _, item := range s.items {
		if item.CubeID == cubeID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeMemoryStore) Update(ctx context.Context, item *domain.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	s.items[item.ID] = item
	return nil
}

func (s *fakeMemoryStore) Delete(ctx context.Context, cubeID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.maybeFail(); err != nil {
		return err
	}
	delete(s.items, itemID)
	return nil
}

type fakeEmbedder struct{}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1}
	}
	return vectors, nil
}

type fakeVectorStore struct {
	mu      sync.Mutex
	records map[string]*memops.VectorRecord
	updated []string
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{records: make(map[string]*memops.VectorRecord)}
}

func (s *fakeVectorStore) Insert(ctx context.Context, records []*memops.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ID] = r
	}
	return nil
}

func (s *fakeVectorStore) Search(ctx context.Context, cubeID string, vector []float32, limit int) ([]*memops.VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memops.VectorMatch
	for _, r := range s.records {
		if r.CubeID == cubeID {
			out = append(out, &memops.VectorMatch{ID: r.ID, Content: r.Content, Score: 0.9})
		}
	}
	return out, nil
}

func (s *fakeVectorStore) Update(ctx context.Context, record *memops.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	s.updated = append(s.updated, record.ID)
	return nil
}

func (s *fakeVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

type fakeGraphStore struct {
	mu      sync.Mutex
	nodes   map[string]*memops.GraphNode
	edges   []*memops.GraphEdge
	queryFn func(cubeID, query string, params map[string]any) ([]map[string]any, error)
}

func newFakeGraphStore() *fakeGraphStore {
	return &fakeGraphStore{nodes: make(map[string]*memops.GraphNode)}
}

func (s *fakeGraphStore) WriteNode(ctx context.Context, node *memops.GraphNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = node
	return nil
}

func (s *fakeGraphStore) WriteEdge(ctx context.Context, edge *memops.GraphEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edge)
	return nil
}

func (s *fakeGraphStore) Query(ctx context.Context, cubeID, query string, params map[string]any) ([]map[string]any, error) {
	if s.queryFn != nil {
		return s.queryFn(cubeID, query, params)
	}
	return nil, nil
}

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
	failTimes int
}

func (l *fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failTimes > 0 {
		l.failTimes--
		return "", errors.New("transient LLM failure")
	}
	if len(l.responses) == 0 {
		return "[]", nil
	}
	out := l.responses[0]
	l.responses = l.responses[1:]
	return out, nil
}

func newFacade(t *testing.T, deps memops.Deps) *memops.Facade {
	t.Helper()
	if deps.Memory == nil {
		deps.Memory = newFakeMemoryStore()
	}
	if deps.Embedder == nil {
		deps.Embedder = &fakeEmbedder{}
	}
	f, err := memops.New(deps, memops.Config{
		RetryBase:            1, // keep retry sleeps negligible in tests
		LLMRequestsPerMinute: 600000,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return f
}

func TestNewRequiresCoreCollaborators(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := memops.New(memops.Deps{Embedder: &fakeEmbedder{}}, memops.Config{}, logger)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = memops.New(memops.Deps{Memory: newFakeMemoryStore()}, memops.Config{}, logger)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestAddMemoriesPersistsEverywhere(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	vectors := newFakeVectorStore()
	graph := newFakeGraphStore()
	f := newFacade(t, memops.Deps{Memory: memory, Vectors: vectors, Graph: graph})

	items := []*domain.MemoryItem{
		{ID: "m1", UserID: "user-1", CubeID: "cube-1", Content: "Prefers the window seat"},
		{ID: "m2", UserID: "user-1", CubeID: "cube-1", Content: "Lives in Lisbon"},
	}
	require.NoError(t, f.AddMemories(context.Background(), items))

	assert.Len(t, memory.items, 2)
	assert.Len(t, vectors.records, 2)
	assert.Len(t, graph.nodes, 2)
	assert.Contains(t, graph.nodes["m1"].Properties, "norm_key")
}

func TestAddMemoriesDeduplicatesViaGraph(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	vectors := newFakeVectorStore()
	graph := newFakeGraphStore()
	var gotQuery string
	var gotParams map[string]any
	graph.queryFn = func(cubeID, query string, params map[string]any) ([]map[string]any, error) {
		gotQuery = query
		gotParams = params
		return []map[string]any{{"id": "existing-1"}}, nil
	}
	f := newFacade(t, memops.Deps{Memory: memory, Vectors: vectors, Graph: graph})

	content := `Lives in "Lisbon"`
	items := []*domain.MemoryItem{
		{ID: "m1", UserID: "user-1", CubeID: "cube-1", Content: content},
	}
	require.NoError(t, f.AddMemories(context.Background(), items))

	// The equivalent memory was updated in place under its existing ID.
	assert.Contains(t, memory.items, "existing-1")
	assert.NotContains(t, memory.items, "m1")
	assert.Equal(t, []string{"existing-1"}, vectors.updated)

	// The content reaches the lookup as a bound parameter, never spliced
	// into the query text.
	assert.NotContains(t, gotQuery, "Lisbon")
	assert.Equal(t, `lives in "lisbon"`, gotParams["norm_key"])
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	memory.failTimes = 2
	f := newFacade(t, memops.Deps{Memory: memory})

	items := []*domain.MemoryItem{
		{ID: "m1", UserID: "user-1", CubeID: "cube-1", Content: "Lives in Lisbon"},
	}
	require.NoError(t, f.AddMemories(context.Background(), items))
	assert.Equal(t, 3, memory.calls, "two failures then one success")
}

func TestTransientRetriesAreBounded(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	memory.failTimes = 100
	f := newFacade(t, memops.Deps{Memory: memory})

	items := []*domain.MemoryItem{
		{ID: "m1", UserID: "user-1", CubeID: "cube-1", Content: "Lives in Lisbon"},
	}
	err := f.AddMemories(context.Background(), items)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 4, memory.calls, "initial call plus three retries")
}

func TestExtractMemories(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{responses: []string{"```json\n[\"Lives in Lisbon\", \"Prefers trains\"]\n```"}}
	f := newFacade(t, memops.Deps{LLM: llm})

	turns := []domain.ChatTurn{
		{Role: "user", Content: "I just moved to Lisbon and I always take the train"},
	}
	items, err := f.ExtractMemories(context.Background(), "user-1", "cube-1", turns)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "Lives in Lisbon", items[0].Content)
	assert.Equal(t, domain.MemoryKindFact, items[0].Kind)
	assert.NotEmpty(t, items[0].ID)
}

func TestMalformedLLMResponseIsNotRetried(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{responses: []string{"this is not JSON"}}
	f := newFacade(t, memops.Deps{LLM: llm})

	_, err := f.ExtractMemories(context.Background(), "user-1", "cube-1", []domain.ChatTurn{
		{Role: "user", Content: "hello"},
	})
	require.Error(t, err)
	assert.Equal(t, 1, llm.calls, "malformed output must not burn retries")
}

func TestReplaceWorkingMemory(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	memory.items["m1"] = &domain.MemoryItem{ID: "m1", CubeID: "cube-1", Content: "Lives in Lisbon"}
	llm := &fakeLLM{responses: []string{`["Lives in Lisbon"]`}}
	f := newFacade(t, memops.Deps{Memory: memory, LLM: llm})

	err := f.ReplaceWorkingMemory(context.Background(), "user-1", "cube-1", []string{"where do I live"})
	require.NoError(t, err)

	slot := memory.items["working:cube-1:0"]
	require.NotNil(t, slot)
	assert.Equal(t, domain.MemoryKindWorking, slot.Kind)
	assert.Equal(t, "Lives in Lisbon", slot.Content)
}

// Consolidation writes working-memory slots through Update under fixed
// slot IDs that have never been Added, so it must hold against the real
// in-process store, not just the test fake.
func TestReplaceWorkingMemoryAgainstMemstore(t *testing.T) {
	t.Parallel()

	memory := memstore.New()
	ctx := context.Background()
	require.NoError(t, memory.Add(ctx, []*domain.MemoryItem{
		{ID: "m1", UserID: "user-1", CubeID: "cube-1", Content: "Lives in Lisbon", Kind: domain.MemoryKindFact},
	}))

	llm := &fakeLLM{responses: []string{`["Lives in Lisbon"]`}}
	f := newFacade(t, memops.Deps{Memory: memory, LLM: llm})

	require.NoError(t, f.ReplaceWorkingMemory(ctx, "user-1", "cube-1", []string{"where do I live"}))

	// Running consolidation again reuses the same slot IDs.
	llm.responses = []string{`["Lives in Lisbon"]`}
	require.NoError(t, f.ReplaceWorkingMemory(ctx, "user-1", "cube-1", []string{"where do I live"}))

	hits, err := memory.Search(ctx, "cube-1", "Lives in Lisbon", 10)
	require.NoError(t, err)
	var slot *domain.MemoryItem
	for _, h := range hits {
		if h.ID == "working:cube-1:0" {
			slot = h
		}
	}
	require.NotNil(t, slot)
	assert.Equal(t, domain.MemoryKindWorking, slot.Kind)
}

func TestApplyFeedback(t *testing.T) {
	t.Parallel()

	t.Run("delete removes memory and vector", func(t *testing.T) {
		t.Parallel()

		memory := newFakeMemoryStore()
		memory.items["m1"] = &domain.MemoryItem{ID: "m1", CubeID: "cube-1", Content: "stale"}
		vectors := newFakeVectorStore()
		vectors.records["m1"] = &memops.VectorRecord{ID: "m1", CubeID: "cube-1"}
		f := newFacade(t, memops.Deps{Memory: memory, Vectors: vectors})

		err := f.ApplyFeedback(context.Background(), "user-1", "cube-1", domain.MemFeedbackPayload{
			MemoryID: "m1",
			Action:   domain.FeedbackActionDelete,
		})
		require.NoError(t, err)
		assert.NotContains(t, memory.items, "m1")
		assert.NotContains(t, vectors.records, "m1")
	})

	t.Run("update rewrites content", func(t *testing.T) {
		t.Parallel()

		memory := newFakeMemoryStore()
		f := newFacade(t, memops.Deps{Memory: memory})

		err := f.ApplyFeedback(context.Background(), "user-1", "cube-1", domain.MemFeedbackPayload{
			MemoryID: "m1",
			Action:   domain.FeedbackActionUpdate,
			Content:  "Lives in Porto now",
		})
		require.NoError(t, err)
		assert.Equal(t, "Lives in Porto now", memory.items["m1"].Content)
	})

	t.Run("update without content fails validation", func(t *testing.T) {
		t.Parallel()

		f := newFacade(t, memops.Deps{})
		err := f.ApplyFeedback(context.Background(), "user-1", "cube-1", domain.MemFeedbackPayload{
			MemoryID: "m1",
			Action:   domain.FeedbackActionUpdate,
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestSearchMemoriesMergesSources(t *testing.T) {
	t.Parallel()

	memory := newFakeMemoryStore()
	memory.items["m1"] = &domain.MemoryItem{ID: "m1", CubeID: "cube-1", Content: "from store", Score: 0.2}
	vectors := newFakeVectorStore()
	vectors.records["v1"] = &memops.VectorRecord{ID: "v1", CubeID: "cube-1", Content: "from vectors"}
	f := newFacade(t, memops.Deps{Memory: memory, Vectors: vectors})

	results, err := f.SearchMemories(context.Background(), "cube-1", "anything")
	require.NoError(t, err)

	require.Len(t, results, 2)
	// The vector hit carries the higher score, so it sorts first.
	assert.Equal(t, "v1", results[0].ID)
	assert.Equal(t, "m1", results[1].ID)
}

func TestReorganizeGraphLinksRelatedMemories(t *testing.T) {
	t.Parallel()

	graph := newFakeGraphStore()
	graph.queryFn = func(cubeID, query string, params map[string]any) ([]map[string]any, error) {
		return []map[string]any{
			{"id": "a", "norm_key": "lisbon is home"},
			{"id": "b", "norm_key": "lisbon trains are great"},
			{"id": "c", "norm_key": "porto visit planned"},
		}, nil
	}
	f := newFacade(t, memops.Deps{Graph: graph})

	require.NoError(t, f.ReorganizeGraph(context.Background(), "cube-1"))

	require.Len(t, graph.edges, 1)
	assert.Equal(t, "a", graph.edges[0].FromID)
	assert.Equal(t, "b", graph.edges[0].ToID)
	assert.Equal(t, "RELATED_TO", graph.edges[0].Kind)
}

// Guard against fakes drifting from the interfaces.
var (
	_ memops.MemoryStore = (*fakeMemoryStore)(nil)
	_ memops.Embedder    = (*fakeEmbedder)(nil)
	_ memops.VectorStore = (*fakeVectorStore)(nil)
	_ memops.GraphStore  = (*fakeGraphStore)(nil)
	_ memops.LLM         = (*fakeLLM)(nil)
)
