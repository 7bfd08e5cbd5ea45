// Package store is the SQL persistence boundary shared with the web UI:
// the events, tracked_users and state tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/galois26/xwiki-consumer/internal/config"
	"github.com/galois26/xwiki-consumer/internal/model"
)

// PersistenceError wraps any failure of the persistence layer. The
// connection that produced it should be treated as poisoned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Session is one persistence connection with the three stores bound to it.
type Session struct {
	db          *sql.DB
	dialect     Dialect
	Events      *EventStore
	Checkpoints *CheckpointStore
	Tracked     *TrackedSource
}

func NewSession(db *sql.DB, d Dialect) *Session {
	return &Session{
		db:          db,
		dialect:     d,
		Events:      NewEventStore(db, d),
		Checkpoints: NewCheckpointStore(db, d),
		Tracked:     NewTrackedSource(db),
	}
}

// Open connects and pings. The returned session owns a private pool
// limited to one connection; Close discards it entirely.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Session, error) {
	d, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "connect", Err: err}
	}
	return NewSession(db, d), nil
}

func (s *Session) Dialect() Dialect { return s.dialect }

// Upsert, Checkpoint, SetCheckpoint and LoadTracked let a Session stand in
// for the whole persistence boundary of one ingest cycle.
func (s *Session) Upsert(ctx context.Context, ev model.Event) error { return s.Events.Upsert(ctx, ev) }

func (s *Session) Checkpoint(ctx context.Context) (string, bool, error) {
	return s.Checkpoints.Get(ctx)
}

func (s *Session) SetCheckpoint(ctx context.Context, cursor string) error {
	return s.Checkpoints.Set(ctx, cursor)
}

func (s *Session) LoadTracked(ctx context.Context) ([]string, error) { return s.Tracked.Load(ctx) }

// Migrate creates the consumer's tables if they are missing.
func (s *Session) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *Session) Close() error { return s.db.Close() }

// inTx runs fn in a transaction, rolling back on any error.
func inTx(ctx context.Context, db *sql.DB, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: op, Err: fmt.Errorf("begin: %w", err)}
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return &PersistenceError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// exists reports whether query returns at least one row.
func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
