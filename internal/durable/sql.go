package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	defaultSQLTableName = "clinicsync_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few statements that differ between the SQL
// backends sharing sqlStore.
type sqlDialect struct {
	driver      string
	createTable string
	get         string
	upsert      string
	remove      string
	keys        string
}

// sqlStore is a key/value table keyed by (namespace, item_key). The table
// is created lazily on first use.
type sqlStore struct {
	dsn       string
	tableName string
	dialect   func(table string) sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	stmts    sqlDialect
}

func (s *sqlStore) GetItem(ctx context.Context, namespace, key string) (string, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", false, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var value string
	err := s.db.QueryRowContext(ctx, s.stmts.get, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *sqlStore) SetItem(ctx context.Context, namespace, key, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, s.stmts.upsert, namespace, key, value)
	return err
}

func (s *sqlStore) RemoveItem(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.MultiRemove(ctx, namespace, []string{key})
}

func (s *sqlStore) GetAllKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.stmts.keys, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqlStore) MultiRemove(ctx context.Context, namespace string, keys []string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, s.stmts.remove, namespace, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		s.stmts = s.dialect(s.tableName)
		db, err := s.openDB(s.stmts.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, s.stmts.createTable); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create %s table: %w", s.stmts.driver, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
