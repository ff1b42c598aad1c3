// Package knowledge is the vector-backed document index behind the
// search_knowledge_base tool and the article indexing job. Documents live
// in PostgreSQL with pgvector embeddings; metadata is JSONB so searches
// can filter by namespace with the containment operator.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/koopa0/stockdesk/internal/log"
)

// searchTimeout bounds vector searches so a slow index cannot stall the
// agent loop.
const searchTimeout = 10 * time.Second

// ErrEmptyEmbedding indicates the embedder returned no vector.
var ErrEmptyEmbedding = errors.New("empty embedding")

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Querier is the database surface the Store needs. Defined here, on the
// consumer side; the pgx implementation lives in queries.go and tests
// supply mocks.
type Querier interface {
	UpsertDocument(ctx context.Context, id, content string, embedding pgvector.Vector, metadata []byte, createdAt time.Time) error
	SearchDocuments(ctx context.Context, embedding pgvector.Vector, filterMetadata []byte, limit int) ([]DocumentRow, error)
	DocumentExists(ctx context.Context, id string) (bool, error)
	CountDocuments(ctx context.Context) (int64, error)
}

// DocumentRow is one raw search row before conversion to Result.
type DocumentRow struct {
	ID         string
	Content    string
	Metadata   []byte
	CreatedAt  time.Time
	Similarity float32
}

// Store manages knowledge documents with vector search. Safe for
// concurrent use.
type Store struct {
	queries  Querier
	embedder Embedder
	logger   log.Logger
}

// New creates a Store.
func New(queries Querier, embedder Embedder, logger log.Logger) (*Store, error) {
	if queries == nil {
		return nil, errors.New("querier is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Store{queries: queries, embedder: embedder, logger: logger}, nil
}

// Add embeds doc's content and upserts it. Re-adding an existing ID
// replaces content, embedding, and metadata.
func (s *Store) Add(ctx context.Context, doc Document) error {
	vec, err := s.embedder.Embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("embedding document %q: %w", doc.ID, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: document %q", ErrEmptyEmbedding, doc.ID)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata for %q: %w", doc.ID, err)
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if err := s.queries.UpsertDocument(ctx, doc.ID, doc.Content, pgvector.NewVector(vec), metadataJSON, createdAt); err != nil {
		return fmt.Errorf("upserting document %q: %w", doc.ID, err)
	}

	s.logger.Debug("added document", "id", doc.ID, "content_length", len(doc.Content))
	return nil
}

// Search returns the documents most similar to query, best first.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: query", ErrEmptyEmbedding)
	}

	// filterJSON is always produced by json.Marshal and matched with the
	// JSONB containment operator through a bind parameter; user input
	// never reaches the SQL text.
	var filterJSON []byte
	if cfg.namespace != "" {
		filterJSON, err = json.Marshal(map[string]string{"namespace": cfg.namespace})
		if err != nil {
			return nil, fmt.Errorf("marshaling filter: %w", err)
		}
	}

	rows, err := s.queries.SearchDocuments(queryCtx, pgvector.NewVector(vec), filterJSON, cfg.topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search timeout: %w", err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]string
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			s.logger.Warn("unparseable document metadata", "document_id", row.ID, "error", err)
			metadata = make(map[string]string)
		}
		results = append(results, Result{
			Document: Document{
				ID:        row.ID,
				Content:   row.Content,
				Metadata:  metadata,
				CreatedAt: row.CreatedAt,
			},
			Similarity: row.Similarity,
		})
	}
	return results, nil
}

// Exists reports whether a document with id is already indexed.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := s.queries.DocumentExists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking document %q: %w", id, err)
	}
	return ok, nil
}

// Count returns the total number of indexed documents.
func (s *Store) Count(ctx context.Context) (int64, error) {
	n, err := s.queries.CountDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}
