package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CheckpointName is the state row holding the stream cursor.
const CheckpointName = "last_event_id"

// CheckpointStore keeps the single last-acknowledged cursor.
type CheckpointStore struct {
	db      *sql.DB
	getQ    string
	existsQ string
	updateQ string
	insertQ string
}

func NewCheckpointStore(db *sql.DB, d Dialect) *CheckpointStore {
	return &CheckpointStore{
		db:      db,
		getQ:    d.Rebind("SELECT val FROM state WHERE name = ?"),
		existsQ: d.Rebind("SELECT 1 FROM state WHERE name = ?"),
		updateQ: d.Rebind("UPDATE state SET val = ? WHERE name = ?"),
		insertQ: d.Rebind("INSERT INTO state (name, val) VALUES (?, ?)"),
	}
}

// Get returns the stored cursor; ok is false when none was ever written.
func (s *CheckpointStore) Get(ctx context.Context) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, s.getQ, CheckpointName).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &PersistenceError{Op: "get checkpoint", Err: err}
	}
	return val, true, nil
}

// Set overwrites the cursor, last write wins.
func (s *CheckpointStore) Set(ctx context.Context, cursor string) error {
	return inTx(ctx, s.db, "set checkpoint", func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, s.existsQ, CheckpointName)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		if found {
			_, err = tx.ExecContext(ctx, s.updateQ, cursor, CheckpointName)
		} else {
			_, err = tx.ExecContext(ctx, s.insertQ, CheckpointName, cursor)
		}
		return err
	})
}
