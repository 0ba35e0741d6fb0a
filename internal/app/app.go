// Package app wires the store, roster and engine for a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"closedloop/internal/config"
	"closedloop/internal/db"
	"closedloop/internal/digest"
	"closedloop/internal/engine"
	"closedloop/internal/metrics"
	"closedloop/internal/migrate"
	"closedloop/internal/repo"
	"closedloop/internal/roster"
)

type Options struct {
	Workspace string
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     repo.Store
	Roster    *roster.Roster
	Engine    engine.Engine
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Open loads the workspace config, migrates the database and seeds the
// configured roster. Seeding is idempotent.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.LoadOrDefault(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a, err := build(ctx, conn, cfg, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func build(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options) (*App, error) {
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := repo.Repo{DB: conn}
	r, err := roster.New(store, len(cfg.Agents)*2)
	if err != nil {
		return nil, err
	}
	if opts.Now != nil {
		r.Now = opts.Now
	}
	created, err := r.Seed(ctx, roster.FromConfig(cfg.Agents))
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(store, cfg)
	if err != nil {
		return nil, err
	}
	eng.Roster = r
	eng.Metrics = opts.Metrics
	eng.Log = opts.Logger
	if opts.Now != nil {
		eng.Now = opts.Now
	}
	if created > 0 {
		opts.Logger.Info().Int("agents", created).Msg("seeded agent roster")
	}
	return &App{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Store:     store,
		Roster:    r,
		Engine:    eng,
		Metrics:   opts.Metrics,
		Log:       opts.Logger,
	}, nil
}

// Digest returns the learning digest configured for this workspace.
func (a *App) Digest() digest.Digest {
	return digest.Digest{
		Store:      a.Store,
		Agents:     a.Roster,
		WindowDays: a.Config.Digest.WindowDays,
		Metrics:    a.Metrics,
		Log:        a.Log,
		Now:        a.Engine.Now,
	}
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Init writes the default closedloop.yml unless one exists and creates the
// database. It reports whether the config file was written.
func Init(ctx context.Context, workspace string, force bool) (bool, error) {
	path := config.Path(workspace)
	_, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	wrote := false
	if !exists || force {
		if err := os.WriteFile(path, []byte(config.DefaultYAML()), 0o644); err != nil {
			return false, fmt.Errorf("write config: %w", err)
		}
		wrote = true
	}
	a, err := Open(ctx, Options{Workspace: workspace, Logger: zerolog.Nop()})
	if err != nil {
		return wrote, err
	}
	return wrote, a.Close()
}
