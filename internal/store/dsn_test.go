package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galois26/xwiki-consumer/internal/config"
)

func writeCnf(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "replica.my.cnf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestReadCredentials(t *testing.T) {
	p := writeCnf(t, "[client]\nuser = s1234\npassword = secret\nport = 3307\nskip-ssl\n")
	c, err := ReadCredentials(p)
	require.NoError(t, err)
	assert.Equal(t, "s1234", c.User)
	assert.Equal(t, "secret", c.Password)
	assert.Equal(t, 3307, c.Port)
	assert.Empty(t, c.Host)

	_, err = ReadCredentials(filepath.Join(t.TempDir(), "missing.cnf"))
	assert.Error(t, err)
}

func TestBuildDSN_MySQL(t *testing.T) {
	p := writeCnf(t, "[client]\nuser = s1234\npassword = secret\n")
	dsn, err := BuildDSN(config.DatabaseConfig{
		Driver: "mysql", Host: "tools.db.svc.wikimedia.cloud", Name: "s1234__xwiki", CredentialsFile: p,
	})
	require.NoError(t, err)
	assert.Contains(t, dsn, "s1234:secret@tcp(tools.db.svc.wikimedia.cloud:3306)/s1234__xwiki")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")
}

func TestBuildDSN_Postgres(t *testing.T) {
	p := writeCnf(t, "[client]\nuser = helm\npassword = pw\n")
	dsn, err := BuildDSN(config.DatabaseConfig{
		Driver: "postgres", Host: "db.local", Name: "events", CredentialsFile: p, SSLMode: "disable",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://helm:pw@db.local:5432/events?sslmode=disable", dsn)
}

func TestBuildDSN_SQLiteAndOverride(t *testing.T) {
	dsn, err := BuildDSN(config.DatabaseConfig{Driver: "sqlite", Name: "/tmp/events.db", CredentialsFile: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/events.db", dsn)

	dsn, err = BuildDSN(config.DatabaseConfig{Driver: "postgres", DSN: "postgres://x@y/z"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@y/z", dsn)

	_, err = BuildDSN(config.DatabaseConfig{Driver: "mysql", Name: "x", CredentialsFile: "/nonexistent/my.cnf"})
	assert.Error(t, err)
}

func TestDialect_Rebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", MySQL.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", Postgres.Rebind("a = ? AND b = ?"))
	assert.Equal(t, "`user`", MySQL.Quote("user"))
	assert.Equal(t, `"user"`, Postgres.Quote("user"))

	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name)
	_, err = DialectFor("oracle")
	assert.Error(t, err)
}
