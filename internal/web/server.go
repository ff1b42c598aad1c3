// Package web is the HTTP surface: the SSE chat endpoint, conversation
// management, article indexing, and health.
package web

import (
	"context"
	"errors"
	"iter"
	"net/http"

	"github.com/koopa0/stockdesk/internal/agent"
	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/log"
	"github.com/koopa0/stockdesk/internal/scraper"
)

// LoopRunner is the agent surface the chat handler drives.
type LoopRunner interface {
	Run(ctx context.Context, history []agent.Turn, message string, snap *cache.Snapshot) (iter.Seq[agent.Event], *agent.Outcome)
}

// ConversationStore is the transcript surface the handlers need.
type ConversationStore interface {
	Get(id string) ([]agent.Turn, error)
	Append(id string, turns ...agent.Turn) error
	Clear(id string) error
	Len() int
}

// ArticleIndexer ingests article batches into the knowledge store.
type ArticleIndexer interface {
	IndexArticles(ctx context.Context, ticker string, articles []scraper.Article) (scraper.Stats, error)
}

// Server holds the handlers and their dependencies.
type Server struct {
	loop          LoopRunner
	conversations ConversationStore
	indexer       ArticleIndexer // nil when no knowledge index is configured
	cacheStore    *cache.Store
	logger        log.Logger
	corsOrigins   []string
}

// Config configures a Server.
type Config struct {
	Loop          LoopRunner
	Conversations ConversationStore
	Indexer       ArticleIndexer // optional
	Cache         *cache.Store
	Logger        log.Logger
	CORSOrigins   []string
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Loop == nil {
		return nil, errors.New("loop runner is required")
	}
	if cfg.Conversations == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Server{
		loop:          cfg.Loop,
		conversations: cfg.Conversations,
		indexer:       cfg.Indexer,
		cacheStore:    cfg.Cache,
		logger:        cfg.Logger,
		corsOrigins:   cfg.CORSOrigins,
	}, nil
}

// Handler returns the fully wired route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/message", s.handleChatMessage)
	mux.HandleFunc("POST /api/chat/scrape-articles", s.handleScrapeArticles)
	mux.HandleFunc("GET /api/chat/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /api/chat/clear/{id}", s.handleClearConversation)
	mux.HandleFunc("GET /api/chat/health", s.handleHealth)

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}
