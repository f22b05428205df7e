package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/kmalinin/docchat-core/internal/config"
	"github.com/kmalinin/docchat-core/internal/core/domain"
	"github.com/kmalinin/docchat-core/internal/core/ports"
	"github.com/kmalinin/docchat-core/internal/core/usecase"
	"github.com/kmalinin/docchat-core/internal/infrastructure/embedding/ollama"
	natsqueue "github.com/kmalinin/docchat-core/internal/infrastructure/queue/nats"
	"github.com/kmalinin/docchat-core/internal/infrastructure/repository/postgres"
	"github.com/kmalinin/docchat-core/internal/infrastructure/resilience"
	"github.com/kmalinin/docchat-core/internal/infrastructure/scorer/crossenc"
	"github.com/kmalinin/docchat-core/internal/infrastructure/session/memory"
	tokenizer "github.com/kmalinin/docchat-core/internal/infrastructure/tokenizer/ollama"
	"github.com/kmalinin/docchat-core/internal/infrastructure/vector/qdrant"
	"github.com/kmalinin/docchat-core/internal/observability/metrics"
)

type App struct {
	Config config.Config

	RetrieveUC *usecase.RetrieveUseCase
	ContextUC  *usecase.ContextManagerUseCase
	Metrics    *metrics.RetrievalMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	executor := resilience.NewExecutor(resilience.DefaultConfig())

	embedder := ollama.New(cfg.OllamaURL, cfg.EmbedModel)
	vectorDB := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection)
	scorer := crossenc.NewWithOptions(cfg.ScorerURL, cfg.ScorerModel, crossenc.Options{
		CacheSize:          cfg.ScorerCacheSize,
		ResilienceExecutor: executor,
	})
	counter := tokenizer.NewCounter(cfg.OllamaURL, cfg.TokenizerModel)

	closers := make([]func(), 0, 2)

	var events ports.EventPublisher
	if cfg.NATSURL != "" {
		publisher, err := natsqueue.NewWithOptions(cfg.NATSURL, cfg.NATSFallbackSubject, natsqueue.Options{
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init fallback publisher: %w", err)
		}
		events = publisher
		closers = append(closers, publisher.Close)
	}

	sessionTTL := time.Duration(cfg.SessionTTLHours) * time.Hour

	var store ports.SessionStore
	if cfg.PostgresDSN != "" {
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pgStore := postgres.NewSessionStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		store = pgStore
		closers = append(closers, func() { _ = db.Close() })
	} else {
		memStore := memory.NewStore()
		memStore.StartJanitor(ctx, time.Duration(cfg.JanitorIntervalMinutes)*time.Minute, sessionTTL)
		store = memStore
	}

	retrieveUC := usecase.NewRetrieveUseCase(embedder, vectorDB, scorer, events, domain.RetrievalLimits{
		MatchCount:           cfg.RetrievalMatchCount,
		MatchThreshold:       cfg.RetrievalMatchThreshold,
		RecallThreshold:      cfg.RetrievalRecallThreshold,
		OverRetrieveFactor:   cfg.RetrievalOverRetrieve,
		MaxPerDocument:       cfg.RetrievalMaxPerDocument,
		PreserveTopN:         cfg.RetrievalPreserveTopN,
		FreshRemainderBudget: cfg.RetrievalFreshRemainder,
		LatencyBudget:        time.Duration(cfg.RetrievalLatencyBudgetMS) * time.Millisecond,
	})
	contextUC := usecase.NewContextManagerUseCase(store, counter, domain.ContextLimits{
		MaxTurns:         cfg.ContextMaxTurns,
		MaxContextTokens: cfg.ContextMaxTokens,
		SessionTTL:       sessionTTL,
	})

	return &App{
		Config:     cfg,
		RetrieveUC: retrieveUC,
		ContextUC:  contextUC,
		Metrics:    metrics.NewRetrievalMetrics("docchat-core"),

		closeFn: func() {
			for _, closeFn := range closers {
				closeFn()
			}
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
