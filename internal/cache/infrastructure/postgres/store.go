package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"evcc-ingest/internal/cache"
)

// DefaultTable is the table used when WithTable is not given.
const DefaultTable = "kv_entries"

var errNilDB = errors.New("kv store: nil db")

// Store is a Postgres-backed cache namespace. It survives restarts, so staged
// writes are not lost between a crash and the next flush.
type Store struct {
	db        *sql.DB
	table     string
	namespace string
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// NewStore constructs a store for one namespace.
func NewStore(db *sql.DB, namespace string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errNilDB
	}
	if namespace == "" {
		return nil, errors.New("kv store: empty namespace")
	}
	s := &Store{db: db, table: DefaultTable, namespace: namespace}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewNamespaces mounts the cache and write namespaces on one table.
func NewNamespaces(db *sql.DB, opts ...Option) (cache.Namespaces, error) {
	c, err := NewStore(db, cache.NamespaceCache, opts...)
	if err != nil {
		return cache.Namespaces{}, err
	}
	w, err := NewStore(db, cache.NamespaceWrite, opts...)
	if err != nil {
		return cache.Namespaces{}, err
	}
	return cache.Namespaces{Cache: c, Write: w}, nil
}

// EnsureSchema creates the backing table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT,
	last_write_at TIMESTAMPTZ,
	PRIMARY KEY (namespace, key)
)`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errNilDB
	}
	query := fmt.Sprintf(`SELECT value FROM %s WHERE namespace = $1 AND key = $2`, s.table)
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, query, s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// Set stores value under key, keeping existing meta.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, value)
VALUES ($1, $2, $3)
ON CONFLICT (namespace, key)
DO UPDATE SET value = EXCLUDED.value`, s.table)
	_, err := s.db.ExecContext(ctx, query, s.namespace, key, value)
	return err
}

// GetMeta returns the meta stored under key.
func (s *Store) GetMeta(ctx context.Context, key string) (cache.Meta, bool, error) {
	if s == nil || s.db == nil {
		return cache.Meta{}, false, errNilDB
	}
	query := fmt.Sprintf(`SELECT last_write_at FROM %s WHERE namespace = $1 AND key = $2`, s.table)
	var lastWriteAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, s.namespace, key).Scan(&lastWriteAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Meta{}, false, nil
	}
	if err != nil {
		return cache.Meta{}, false, err
	}
	if !lastWriteAt.Valid {
		return cache.Meta{}, false, nil
	}
	return cache.Meta{LastWriteAt: lastWriteAt.Time.UTC()}, true, nil
}

// SetMeta stores meta under key, keeping the existing value.
func (s *Store) SetMeta(ctx context.Context, key string, meta cache.Meta) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	query := fmt.Sprintf(`
INSERT INTO %s (namespace, key, last_write_at)
VALUES ($1, $2, $3)
ON CONFLICT (namespace, key)
DO UPDATE SET last_write_at = EXCLUDED.last_write_at`, s.table)
	_, err := s.db.ExecContext(ctx, query, s.namespace, key, meta.LastWriteAt.UTC())
	return err
}

// Delete removes key from the namespace.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND key = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, s.namespace, key)
	return err
}

// Keys returns the sorted keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	query := fmt.Sprintf(`
SELECT key
FROM %s
WHERE namespace = $1 AND key LIKE $2 ESCAPE '\'
ORDER BY key ASC`, s.table)

	rows, err := s.db.QueryContext(ctx, query, s.namespace, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string {
	return likeEscaper.Replace(prefix) + "%"
}
