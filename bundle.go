package loom

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	workerpkg "github.com/petrijr/loom/pkg/worker"
)

// WorkerBundle wires together a durable Engine and a Worker that claims and
// executes its pending work.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker
}

// NewSQLiteBundle constructs a durable Engine + Worker combo sharing the same
// SQLite database. Executions, histories, idempotency slots and pending work
// are persisted in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:loom.db?_journal=WAL")
//	bundle, err := loom.NewSQLiteBundle(db, worker.Config{})
//	// register workflows and tasks on bundle.Engine
//	go bundle.Worker.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngineWithObserver(db, cfg.Observer)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, cfg),
	}, nil
}

// NewRedisBundle is NewSQLiteBundle with idempotency slots and event
// notifications shared through Redis, so several bundles on different hosts
// can dedup creates and fan out subscriptions across processes.
func NewRedisBundle(db *sql.DB, client *redis.Client, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewRedisEngine(db, client)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.New(eng, cfg),
	}, nil
}
