package durable

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore persists namespaces as rows of a shared key/value table.
type PostgresStore struct {
	sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{sqlStore{
		dsn:       dsn,
		tableName: defaultSQLTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}}, nil
}

func postgresDialect(table string) sqlDialect {
	quoted := quoteIdentifier(table)
	return sqlDialect{
		driver: "postgres",
		createTable: fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				item_key TEXT NOT NULL,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, item_key)
			)`, quoted),
		get: fmt.Sprintf("SELECT value FROM %s WHERE namespace = $1 AND item_key = $2", quoted),
		upsert: fmt.Sprintf(`
			INSERT INTO %s (namespace, item_key, value, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (namespace, item_key)
			DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, quoted),
		remove: fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND item_key = $2", quoted),
		keys:   fmt.Sprintf("SELECT item_key FROM %s WHERE namespace = $1 ORDER BY item_key", quoted),
	}
}
