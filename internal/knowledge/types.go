package knowledge

import "time"

// Namespace values for knowledge documents. Each document carries its
// namespace in metadata; searches filter on it.
const (
	// NamespaceNews holds scraped and indexed news articles.
	NamespaceNews = "news"

	// NamespaceResearch holds user-curated research notes.
	NamespaceResearch = "research"
)

// VectorDimension is the embedding width stored in the documents table.
// The embedder truncates model output to match.
const VectorDimension = 768

// Document is one knowledge entry.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Result is one search hit with its cosine similarity in [0, 1].
type Result struct {
	Document   Document
	Similarity float32
}

// SearchOption configures a search using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	topK      int
	namespace string
}

// WithTopK sets the maximum number of results. Default is 5.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		c.topK = k
	}
}

// WithNamespace restricts results to one namespace.
func WithNamespace(ns string) SearchOption {
	return func(c *searchConfig) {
		c.namespace = ns
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{topK: 5}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
