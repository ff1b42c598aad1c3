package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/stockdesk/internal/log"
)

// mockQuerier records calls and returns canned rows.
type mockQuerier struct {
	upserted  []string
	metadata  map[string][]byte
	rows      []DocumentRow
	existing  map[string]bool
	lastLimit int
	filter    []byte
	err       error
}

func newMockQuerier() *mockQuerier {
	return &mockQuerier{
		metadata: make(map[string][]byte),
		existing: make(map[string]bool),
	}
}

func (m *mockQuerier) UpsertDocument(_ context.Context, id, _ string, _ pgvector.Vector, metadata []byte, _ time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.upserted = append(m.upserted, id)
	m.metadata[id] = metadata
	return nil
}

func (m *mockQuerier) SearchDocuments(_ context.Context, _ pgvector.Vector, filterMetadata []byte, limit int) ([]DocumentRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.filter = filterMetadata
	m.lastLimit = limit
	return m.rows, nil
}

func (m *mockQuerier) DocumentExists(_ context.Context, id string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.existing[id], nil
}

func (m *mockQuerier) CountDocuments(context.Context) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return int64(len(m.existing)), nil
}

// fixedEmbedder returns the same vector for every input.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func newTestStore(t *testing.T, q Querier, e Embedder) *Store {
	t.Helper()
	s, err := New(q, e, log.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAddEmbedsAndUpserts(t *testing.T) {
	q := newMockQuerier()
	s := newTestStore(t, q, &fixedEmbedder{vec: []float32{0.1, 0.2}})

	doc := Document{
		ID:       "AAPL_news_abc123",
		Content:  "Apple announced record revenue.",
		Metadata: map[string]string{"namespace": NamespaceNews, "ticker": "AAPL"},
	}
	if err := s.Add(context.Background(), doc); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(q.upserted) != 1 || q.upserted[0] != doc.ID {
		t.Errorf("upserted = %v", q.upserted)
	}

	var meta map[string]string
	if err := json.Unmarshal(q.metadata[doc.ID], &meta); err != nil {
		t.Fatalf("metadata not JSON: %v", err)
	}
	if meta["namespace"] != NamespaceNews {
		t.Errorf("namespace = %q", meta["namespace"])
	}
}

func TestAddEmbedderFailure(t *testing.T) {
	q := newMockQuerier()
	s := newTestStore(t, q, &fixedEmbedder{err: errors.New("quota exceeded")})

	if err := s.Add(context.Background(), Document{ID: "d"}); err == nil {
		t.Fatal("expected error")
	}
	if len(q.upserted) != 0 {
		t.Error("nothing must be upserted when embedding fails")
	}
}

func TestAddEmptyEmbedding(t *testing.T) {
	s := newTestStore(t, newMockQuerier(), &fixedEmbedder{})
	if err := s.Add(context.Background(), Document{ID: "d"}); !errors.Is(err, ErrEmptyEmbedding) {
		t.Errorf("expected ErrEmptyEmbedding, got %v", err)
	}
}

func TestSearchNamespaceFilter(t *testing.T) {
	q := newMockQuerier()
	q.rows = []DocumentRow{
		{ID: "a", Content: "first", Metadata: []byte(`{"namespace":"news"}`), Similarity: 0.92},
		{ID: "b", Content: "second", Metadata: []byte(`{"namespace":"news"}`), Similarity: 0.85},
	}
	s := newTestStore(t, q, &fixedEmbedder{vec: []float32{1}})

	results, err := s.Search(context.Background(), "apple earnings",
		WithTopK(2), WithNamespace(NamespaceNews))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Similarity != 0.92 {
		t.Errorf("similarity = %v", results[0].Similarity)
	}
	if q.lastLimit != 2 {
		t.Errorf("limit = %d, want 2", q.lastLimit)
	}

	var filter map[string]string
	if err := json.Unmarshal(q.filter, &filter); err != nil {
		t.Fatalf("filter not JSON: %v", err)
	}
	if filter["namespace"] != NamespaceNews {
		t.Errorf("filter = %v", filter)
	}
}

func TestSearchWithoutFilter(t *testing.T) {
	q := newMockQuerier()
	s := newTestStore(t, q, &fixedEmbedder{vec: []float32{1}})

	if _, err := s.Search(context.Background(), "anything"); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if q.filter != nil {
		t.Errorf("no-namespace search should pass a nil filter, got %s", q.filter)
	}
	if q.lastLimit != 5 {
		t.Errorf("default topK = %d, want 5", q.lastLimit)
	}
}

func TestSearchBadMetadataTolerated(t *testing.T) {
	q := newMockQuerier()
	q.rows = []DocumentRow{{ID: "a", Content: "x", Metadata: []byte(`not-json`)}}
	s := newTestStore(t, q, &fixedEmbedder{vec: []float32{1}})

	results, err := s.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Document.Metadata == nil {
		t.Error("bad metadata should degrade to empty map, not drop the row")
	}
}

func TestExists(t *testing.T) {
	q := newMockQuerier()
	q.existing["known"] = true
	s := newTestStore(t, q, &fixedEmbedder{vec: []float32{1}})

	ok, err := s.Exists(context.Background(), "known")
	if err != nil || !ok {
		t.Errorf("Exists(known) = %v, %v", ok, err)
	}
	ok, err = s.Exists(context.Background(), "unknown")
	if err != nil || ok {
		t.Errorf("Exists(unknown) = %v, %v", ok, err)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, &fixedEmbedder{}, log.NewNop()); err == nil {
		t.Error("nil querier must be rejected")
	}
	if _, err := New(newMockQuerier(), nil, log.NewNop()); err == nil {
		t.Error("nil embedder must be rejected")
	}
}
