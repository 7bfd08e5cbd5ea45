package store

import (
	"context"
	"database/sql"
)

// TrackedSource reads the tracked_users table.
type TrackedSource struct {
	db *sql.DB
}

func NewTrackedSource(db *sql.DB) *TrackedSource { return &TrackedSource{db: db} }

func (s *TrackedSource) Load(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT normalized_username FROM tracked_users")
	if err != nil {
		return nil, &PersistenceError{Op: "load tracked", Err: err}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &PersistenceError{Op: "load tracked", Err: err}
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load tracked", Err: err}
	}
	return out, nil
}
