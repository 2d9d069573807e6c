package main

import (
	"database/sql"
	"fmt"
	"os"

	"harbor/pkg/board"
	"harbor/pkg/claim"
	"harbor/pkg/config"
	"harbor/pkg/deploy"
	"harbor/pkg/msgbus"
	"harbor/pkg/registry"
	"harbor/pkg/store"
)

// engine bundles the coordination components over one shared database
// connection, configured from .harbor/config.yaml.
type engine struct {
	paths   *Paths
	cfg     *config.Config
	db      *sql.DB
	reg     *registry.Registry
	claims  *claim.Store
	bus     *msgbus.Bus
	board   *board.Board
	queue   *deploy.Queue
	batcher *deploy.Batcher
}

// openEngine resolves paths, loads config, opens the database, and wires
// every component. Callers must Close.
func openEngine() (*engine, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}

	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(paths.DBPath)
	if err != nil {
		return nil, err
	}

	e := &engine{paths: paths, cfg: cfg, db: db}
	e.reg = registry.New(db)
	e.claims = claim.New(db)
	e.claims.SetTTL(cfg.ClaimTTL)
	e.bus = msgbus.New(db)
	e.board = board.New(db, e.bus)
	e.queue = deploy.NewQueue(db)

	windows := deploy.DefaultWindows()
	cfg.ApplyWindows(windows)
	e.queue.SetWindows(windows)
	// Urgent mode outlives a single invocation via a marker file.
	if _, err := os.Stat(paths.UrgentPath); err == nil {
		e.queue.SetUrgentMode(true)
	}

	e.batcher = deploy.NewBatcher(db, e.queue, &deploy.ExecRunner{}, ".")
	e.batcher.Remote = cfg.Remote
	e.batcher.MaxBatchSize = cfg.MaxBatchSize
	e.batcher.MaxParallelActions = cfg.MaxParallelActions

	return e, nil
}

func (e *engine) Close() error {
	return e.db.Close()
}
