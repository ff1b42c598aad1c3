package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/genai"

	"github.com/koopa0/stockdesk/db"
	"github.com/koopa0/stockdesk/internal/agent"
	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/config"
	"github.com/koopa0/stockdesk/internal/conversation"
	"github.com/koopa0/stockdesk/internal/forecast"
	"github.com/koopa0/stockdesk/internal/knowledge"
	"github.com/koopa0/stockdesk/internal/log"
	"github.com/koopa0/stockdesk/internal/market"
	"github.com/koopa0/stockdesk/internal/scraper"
	"github.com/koopa0/stockdesk/internal/sentiment"
	"github.com/koopa0/stockdesk/internal/web"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := log.New(log.Config{Level: slog.LevelInfo, JSON: true})
	logger.Info("starting stockdesk", "version", appVersion, "config", cfg)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	genaiClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("creating genai client: %w", err)
	}

	marketClient, err := market.NewClient(market.Config{
		APIKey:            cfg.PolygonAPIKey,
		BaseURL:           cfg.PolygonBaseURL,
		RequestsPerMinute: cfg.MarketRequestsPerMinute,
		Logger:            logger.With("component", "market"),
	})
	if err != nil {
		return fmt.Errorf("creating market client: %w", err)
	}

	// The knowledge index is optional: without DATABASE_URL the
	// search_knowledge_base tool reports itself unconfigured and the
	// scrape endpoint returns 503.
	var searcher agent.KnowledgeSearcher
	var indexer web.ArticleIndexer
	if cfg.DatabaseURL != "" {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("migrating knowledge schema: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to PostgreSQL: %w", err)
		}
		defer pool.Close()

		embedder, err := knowledge.NewGeminiEmbedder(genaiClient, cfg.EmbedderModel)
		if err != nil {
			return fmt.Errorf("creating embedder: %w", err)
		}
		store, err := knowledge.New(knowledge.NewPGQuerier(pool), embedder, logger.With("component", "knowledge"))
		if err != nil {
			return fmt.Errorf("creating knowledge store: %w", err)
		}
		ix, err := scraper.NewIndexer(store, logger.With("component", "scraper"))
		if err != nil {
			return fmt.Errorf("creating article indexer: %w", err)
		}
		searcher = store
		indexer = ix
		logger.Info("knowledge index enabled")
	} else {
		logger.Info("knowledge index disabled, no DATABASE_URL")
	}

	sentimentSvc, err := sentiment.NewService(sentiment.Config{
		Sources: []sentiment.Source{
			sentiment.NewStockTwits(""),
			sentiment.NewReddit(""),
		},
		Classifier: sentiment.NewLexiconClassifier(),
		Logger:     logger.With("component", "sentiment"),
	})
	if err != nil {
		return fmt.Errorf("creating sentiment service: %w", err)
	}

	forecaster, err := forecast.New(marketClient)
	if err != nil {
		return fmt.Errorf("creating forecaster: %w", err)
	}

	registry, err := agent.NewRegistry()
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	cacheStore := cache.NewStore()

	executor, err := agent.NewExecutor(agent.ExecutorConfig{
		Registry:   registry,
		Market:     marketClient,
		Knowledge:  searcher,
		Sentiment:  sentimentSvc,
		Forecaster: forecaster,
		Cache:      cacheStore,
		Logger:     logger.With("component", "executor"),
		TopK:       cfg.RAGTopK,
	})
	if err != nil {
		return fmt.Errorf("creating tool executor: %w", err)
	}

	modelClient, err := agent.NewGeminiClient(agent.GeminiConfig{
		Client:   genaiClient,
		Model:    cfg.GeminiModel,
		Registry: registry,
		Logger:   logger.With("component", "model"),
	})
	if err != nil {
		return fmt.Errorf("creating model client: %w", err)
	}

	loop, err := agent.NewLoop(agent.LoopConfig{
		Model:    modelClient,
		Runner:   executor,
		MaxTurns: cfg.MaxTurns,
		Logger:   logger.With("component", "loop"),
	})
	if err != nil {
		return fmt.Errorf("creating agent loop: %w", err)
	}

	conversations, err := conversation.NewStore(conversation.Config{
		Retention: cfg.ConversationRetention,
		Logger:    logger.With("component", "conversations"),
	})
	if err != nil {
		return fmt.Errorf("creating conversation store: %w", err)
	}
	defer conversations.Stop()

	server, err := web.New(web.Config{
		Loop:          loop,
		Conversations: conversations,
		Indexer:       indexer,
		Cache:         cacheStore,
		Logger:        logger.With("component", "web"),
		CORSOrigins:   cfg.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("creating web server: %w", err)
	}

	// No WriteTimeout: chat responses are SSE streams that stay open for
	// as long as a model turn takes.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready", "addr", cfg.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
