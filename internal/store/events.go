package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/galois26/xwiki-consumer/internal/model"
)

// EventStore persists matched events, keyed by feed id.
type EventStore struct {
	db      *sql.DB
	existsQ string
	insertQ string
	updateQ string
}

func NewEventStore(db *sql.DB, d Dialect) *EventStore {
	return &EventStore{
		db:      db,
		existsQ: d.Rebind("SELECT 1 FROM events WHERE id = ?"),
		insertQ: d.Rebind(fmt.Sprintf(`INSERT INTO events
			(id, wiki, namespace, title, %s, normalized_user, type, minor, patrolled, bot,
			 comment, timestamp, rev_id, page_id, log_type, log_action, server_url, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, d.Quote("user"))),
		updateQ: d.Rebind(`UPDATE events SET
			comment = ?, timestamp = ?, rev_id = ?, page_id = ?,
			log_type = ?, log_action = ?, server_url = ?, raw = ?
			WHERE id = ?`),
	}
}

// Upsert inserts ev when its id is unseen; otherwise only the mutable
// columns are rewritten. Both branches run in one transaction.
func (s *EventStore) Upsert(ctx context.Context, ev model.Event) error {
	return inTx(ctx, s.db, "upsert event "+ev.ID, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, s.existsQ, ev.ID)
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		if found {
			_, err = tx.ExecContext(ctx, s.updateQ,
				nullString(ev.Comment), nullTime(ev), nullInt(ev.RevisionID), nullInt(ev.PageID),
				nullString(ev.LogType), nullString(ev.LogAction), ev.ServerURL, string(ev.Raw),
				ev.ID)
			if err != nil {
				return fmt.Errorf("update: %w", err)
			}
			return nil
		}
		_, err = tx.ExecContext(ctx, s.insertQ,
			ev.ID, ev.Wiki, ev.Namespace, ev.Title, ev.Actor, ev.NormalizedActor, ev.Type,
			ev.Minor, ev.Patrolled, ev.Bot,
			nullString(ev.Comment), nullTime(ev), nullInt(ev.RevisionID), nullInt(ev.PageID),
			nullString(ev.LogType), nullString(ev.LogAction), ev.ServerURL, string(ev.Raw))
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(ev model.Event) sql.NullTime {
	if ev.Timestamp.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: ev.Timestamp.UTC(), Valid: true}
}
