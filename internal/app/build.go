package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/config"
	"github.com/ent0n29/mockpanel/internal/httpapi"
	"github.com/ent0n29/mockpanel/internal/kvstore"
	"github.com/ent0n29/mockpanel/internal/observability"
	"github.com/ent0n29/mockpanel/internal/panel"
	"github.com/ent0n29/mockpanel/internal/session"
)

const expireCloseTimeout = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Runtimes *Runtimes
	Metrics  *observability.Metrics
	Store    kvstore.Store
	Catalog  *panel.Catalog

	// Cleanup should be called on shutdown to end live sessions and release the store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	logger = observability.OrNop(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	catalog, err := panel.LoadCatalog(cfg.QuestionPoolPath)
	if err != nil {
		return nil, fmt.Errorf("question catalog init failed: %w", err)
	}
	if len(catalog.Questions) < cfg.QuestionTarget {
		return nil, fmt.Errorf("question catalog init failed: %w: have %d, need %d",
			panel.ErrInsufficientQuestions, len(catalog.Questions), cfg.QuestionTarget)
	}

	store, err := kvstore.NewStore(ctx, cfg.RedisURL, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session, rt *session.Runtime) {
		closeCtx, cancel := context.WithTimeout(context.Background(), expireCloseTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("session runtime close failed", zap.String("session_id", s.ID), zap.Error(err))
		}
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	runtimes := NewRuntimes(cfg, catalog, store, sessions, logger, metrics)
	api := httpapi.New(cfg, sessions, runtimes, metrics, logger)

	logger.Info("panel service configured",
		zap.String("collaborators", runtimes.Mode()),
		zap.Int("questions", len(catalog.Questions)),
		zap.Int("interviewers", len(catalog.Interviewers)),
	)

	cleanup := func() error {
		sessions.Shutdown()
		if err := store.Close(); err != nil {
			return fmt.Errorf("history store close: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Runtimes: runtimes,
		Metrics:  metrics,
		Store:    store,
		Catalog:  catalog,
		Cleanup:  cleanup,
	}, nil
}
