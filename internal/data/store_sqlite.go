package data

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/anthropics/feishu-relay/internal/biz/repo"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	serial: "INTEGER PRIMARY KEY AUTOINCREMENT",
	bigint: "INTEGER",
}

// NewSQLiteStore opens the queue store in a SQLite file shared by all daemons on the host
func NewSQLiteStore(dbPath string, log zerolog.Logger) (repo.Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	// Writers from other daemons wait on busy_timeout instead of failing with SQLITE_BUSY
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	dsn := "file:" + dbPath + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := newSQLStore(db, sqliteDialect, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("sqlite queue store initialized")
	return s, nil
}
