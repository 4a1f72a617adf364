package tracelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresStoreTableName        = "tracelog_state"
	postgresStoreOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresStoreTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresStoreOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				item_key TEXT PRIMARY KEY,
				item_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(key string) (string, bool) {
	if s == nil || strings.TrimSpace(key) == "" {
		return "", false
	}
	if err := s.ensureReady(); err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresStoreOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT item_value FROM %s WHERE item_key = $1", postgresQuoteIdentifier(s.tableName))
	var value string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return value, true
}

func (s *PostgresStore) Set(key, value string) error {
	if s == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresStoreOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (item_key, item_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_key)
		DO UPDATE SET item_value = EXCLUDED.item_value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func (s *PostgresStore) Remove(key string) {
	if s == nil || strings.TrimSpace(key) == "" {
		return
	}
	if err := s.ensureReady(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresStoreOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE item_key = $1", postgresQuoteIdentifier(s.tableName))
	_, _ = s.db.ExecContext(ctx, query, key)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
