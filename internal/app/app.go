// Package app wires storage, providers and the engine from a config.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"researchline/internal/config"
	"researchline/internal/db"
	"researchline/internal/engine"
	"researchline/internal/llm"
	"researchline/internal/logging"
	"researchline/internal/migrate"
	"researchline/internal/projection"
	"researchline/internal/retrieval"
	"researchline/internal/stage"
)

// Runtime holds everything a command needs. Close releases the database.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Logger *zap.Logger
	Engine engine.Engine
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	_ = r.Logger.Sync()
	return r.DB.Close()
}

// LoadConfig reads the workspace config, or an explicit file when path is set.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Open opens and migrates the workspace database and builds the engine.
// Without providers the engine can read and list tasks but every stage it
// attempts fails as unconfigured.
func Open(ctx context.Context, workspace string, cfg *config.Config, withProviders bool) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("schema ready", zap.Int("version", version), zap.String("path", db.Path(workspace)))
	if !withProviders {
		providerless := *cfg
		providerless.Generation.Provider = "none"
		providerless.Retrieval.Provider = "none"
		cfg = &providerless
	}
	e, err := NewEngine(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Runtime{DB: conn, Config: cfg, Logger: logger, Engine: e}, nil
}

// NewEngine builds the configured generation and retrieval providers around
// an already migrated database.
func NewEngine(conn *sql.DB, cfg *config.Config, logger *zap.Logger) (engine.Engine, error) {
	gen, err := llm.New(cfg.Generation)
	if err != nil {
		return engine.Engine{}, fmt.Errorf("generation provider: %w", err)
	}
	ret, err := retrieval.New(cfg.Retrieval)
	if err != nil {
		return engine.Engine{}, fmt.Errorf("retrieval provider: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Projection = projection.Syncer{Repo: e.Repo, Logger: logger}
	e.Stages = stage.Executors{
		Generator: gen,
		Retriever: ret,
		Timeouts: stage.Timeouts{
			Generation: cfg.Generation.Timeout,
			Retrieval:  cfg.Retrieval.Timeout,
		},
		MaxSnippets: cfg.Retrieval.MaxSnippets,
		Logger:      logger,
	}
	return e, nil
}
