package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/stockintel/analysis-cli/internal/pipeline"
	"github.com/stockintel/analysis-cli/internal/store"
	anthropicpkg "github.com/stockintel/analysis-cli/pkg/anthropic"
)

// pipelineEnv holds the initialized store, AI client, and pipeline needed by
// the run/serve commands.
type pipelineEnv struct {
	Store    store.Store
	AI       anthropicpkg.Client
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "stockintel.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store and Anthropic client and builds the
// Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic api key is required (STOCKINTEL_ANTHROPIC_KEY)")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ai := anthropicpkg.NewClient(cfg.Anthropic.Key,
		anthropicpkg.WithRequestsPerSecond(cfg.Anthropic.RequestsPerSecond),
	)

	return &pipelineEnv{
		Store:    st,
		AI:       ai,
		Pipeline: pipeline.New(cfg, st, ai),
	}, nil
}
