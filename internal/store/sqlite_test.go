package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/xwiki-consumer/internal/config"
)

func openSQLite(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "events.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_UpsertIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	ev := sampleEvent()
	require.NoError(t, s.Upsert(ctx, ev))
	require.NoError(t, s.Upsert(ctx, ev))

	redelivered := ev
	redelivered.Comment = strp("rewritten summary")
	redelivered.Title = "Renamed Page"
	redelivered.Minor = false
	redelivered.LogType = strp("move")
	require.NoError(t, s.Upsert(ctx, redelivered))

	var (
		count   int
		comment sql.NullString
		title   string
		minor   bool
		logType sql.NullString
	)
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM events WHERE id = ?", "42").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.db.QueryRow("SELECT comment, title, minor, log_type FROM events WHERE id = ?", "42").
		Scan(&comment, &title, &minor, &logType))
	assert.Equal(t, "rewritten summary", comment.String)
	assert.Equal(t, "Main Page", title, "immutable column must keep its first value")
	assert.True(t, minor, "flags are immutable")
	assert.Equal(t, "move", logType.String)
}

func TestSQLite_NullOptionalFields(t *testing.T) {
	s := openSQLite(t)
	ev := sampleEvent()
	ev.ID = "7"
	ev.Comment = nil
	ev.RevisionID = nil

	require.NoError(t, s.Upsert(context.Background(), ev))

	var comment, logType, logAction sql.NullString
	var rev sql.NullInt64
	require.NoError(t, s.db.QueryRow("SELECT comment, rev_id, log_type, log_action FROM events WHERE id = ?", "7").
		Scan(&comment, &rev, &logType, &logAction))
	assert.False(t, comment.Valid)
	assert.False(t, rev.Valid)
	assert.False(t, logType.Valid)
	assert.False(t, logAction.Valid)
}

func TestSQLite_CheckpointLastWriteWins(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	_, ok, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCheckpoint(ctx, "c1"))
	require.NoError(t, s.SetCheckpoint(ctx, "c1"))
	require.NoError(t, s.SetCheckpoint(ctx, "c2"))

	cur, ok, err := s.Checkpoint(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c2", cur)

	var rows int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM state").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLite_LoadTracked(t *testing.T) {
	s := openSQLite(t)
	_, err := s.db.Exec("INSERT INTO tracked_users (normalized_username, username) VALUES ('alice', 'Alice'), ('bob', 'Bob')")
	require.NoError(t, err)

	names, err := s.LoadTracked(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestSQLite_MigrateTwice(t *testing.T) {
	s := openSQLite(t)
	assert.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, "sqlite", s.Dialect().Name)
}
