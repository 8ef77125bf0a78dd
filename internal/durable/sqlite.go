package durable

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded counterpart of PostgresStore, for devices
// that keep their queue in a single local database file.
type SQLiteStore struct {
	sqlStore
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore{
		dsn:       path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		tableName: defaultSQLTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}}, nil
}

func sqliteDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: "sqlite",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				item_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (namespace, item_key)
			)`, quoted),
		get: fmt.Sprintf("SELECT value FROM %s WHERE namespace = ? AND item_key = ?", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (namespace, item_key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (namespace, item_key)
			DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, quoted),
		remove: fmt.Sprintf("DELETE FROM %s WHERE namespace = ? AND item_key = ?", quoted),
		keys:   fmt.Sprintf("SELECT item_key FROM %s WHERE namespace = ? ORDER BY item_key", quoted),
	}
}
