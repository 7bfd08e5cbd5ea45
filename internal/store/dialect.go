package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect carries the few SQL differences between the supported engines.
type Dialect struct {
	Name       string // mysql | postgres | sqlite
	DriverName string // name registered with database/sql
	dollar     bool   // $1, $2 ... instead of ?
	quote      byte
	schema     []string
}

var (
	MySQL    = Dialect{Name: "mysql", DriverName: "mysql", quote: '`', schema: mysqlSchema}
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", dollar: true, quote: '"', schema: postgresSchema}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite", quote: '"', schema: sqliteSchema}
)

func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "":
		return MySQL, nil
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported dialect: %s", name)
	}
}

// Rebind rewrites ? placeholders for engines that use numbered ones.
// Queries here never carry a literal ? so no quoting awareness is needed.
func (d Dialect) Rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (d Dialect) Quote(ident string) string {
	return string(d.quote) + ident + string(d.quote)
}

var mysqlSchema = []string{
	"CREATE TABLE IF NOT EXISTS events (" +
		"id VARCHAR(64) NOT NULL PRIMARY KEY," +
		" wiki VARCHAR(64) NOT NULL," +
		" namespace INT NOT NULL," +
		" title VARCHAR(512) NOT NULL," +
		" `user` VARCHAR(255) NOT NULL," +
		" normalized_user VARCHAR(255) NOT NULL," +
		" type VARCHAR(32) NOT NULL," +
		" minor TINYINT(1) NOT NULL DEFAULT 0," +
		" patrolled TINYINT(1) NOT NULL DEFAULT 0," +
		" bot TINYINT(1) NOT NULL DEFAULT 0," +
		" comment TEXT NULL," +
		" timestamp DATETIME NULL," +
		" rev_id BIGINT NULL," +
		" page_id BIGINT NULL," +
		" log_type VARCHAR(64) NULL," +
		" log_action VARCHAR(64) NULL," +
		" server_url VARCHAR(255) NOT NULL," +
		" raw MEDIUMTEXT NOT NULL," +
		" KEY idx_events_user_ts (normalized_user, timestamp)," +
		" KEY idx_events_ts (timestamp)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS tracked_users (" +
		"normalized_username VARCHAR(255) NOT NULL PRIMARY KEY," +
		" username VARCHAR(255) NOT NULL DEFAULT ''" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS state (" +
		"name VARCHAR(64) NOT NULL PRIMARY KEY," +
		" val TEXT NOT NULL" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		wiki TEXT NOT NULL,
		namespace INTEGER NOT NULL,
		title TEXT NOT NULL,
		"user" TEXT NOT NULL,
		normalized_user TEXT NOT NULL,
		type TEXT NOT NULL,
		minor BOOLEAN NOT NULL DEFAULT FALSE,
		patrolled BOOLEAN NOT NULL DEFAULT FALSE,
		bot BOOLEAN NOT NULL DEFAULT FALSE,
		comment TEXT,
		timestamp TIMESTAMPTZ,
		rev_id BIGINT,
		page_id BIGINT,
		log_type TEXT,
		log_action TEXT,
		server_url TEXT NOT NULL,
		raw TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (normalized_user, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tracked_users (
		normalized_username TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		name TEXT PRIMARY KEY,
		val TEXT NOT NULL
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		wiki TEXT NOT NULL,
		namespace INTEGER NOT NULL,
		title TEXT NOT NULL,
		"user" TEXT NOT NULL,
		normalized_user TEXT NOT NULL,
		type TEXT NOT NULL,
		minor INTEGER NOT NULL DEFAULT 0,
		patrolled INTEGER NOT NULL DEFAULT 0,
		bot INTEGER NOT NULL DEFAULT 0,
		comment TEXT,
		timestamp DATETIME,
		rev_id INTEGER,
		page_id INTEGER,
		log_type TEXT,
		log_action TEXT,
		server_url TEXT NOT NULL,
		raw TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (normalized_user, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events (timestamp)`,
	`CREATE TABLE IF NOT EXISTS tracked_users (
		normalized_username TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS state (
		name TEXT PRIMARY KEY,
		val TEXT NOT NULL
	)`,
}
