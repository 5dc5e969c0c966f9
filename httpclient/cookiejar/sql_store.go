package cookiejar

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// DefaultTable is the table SQLStore uses unless configured otherwise.
const DefaultTable = "http_cookies"

// SQLStore persists cookies in a relational table through sqlx.
//
// Save replaces the table content in one transaction, so a crash never
// leaves a half-written jar behind.
//
// Example:
//
//	db := sqlx.MustConnect("postgres", dsn)
//	store := cookiejar.NewSQLStore(db)
//	if err := store.CreateTable(ctx); err != nil {
//	    return err
//	}
//	jar := cookiejar.New(cookiejar.Options{Store: store})
type SQLStore struct {
	db    *sqlx.DB
	table string
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*SQLStore)

// WithTable overrides the table name.
func WithTable(name string) SQLStoreOption {
	return func(s *SQLStore) {
		s.table = name
	}
}

// NewSQLStore creates a store on db.
func NewSQLStore(db *sqlx.DB, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const cookieColumns = "name, value, domain, path, expires, persistent, host_only, secure, http_only, same_site, created"

// CreateTable creates the cookie table if it does not exist.
func (s *SQLStore) CreateTable(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name       TEXT NOT NULL,
	value      TEXT NOT NULL,
	domain     TEXT NOT NULL,
	path       TEXT NOT NULL,
	expires    TIMESTAMP NOT NULL,
	persistent BOOLEAN NOT NULL,
	host_only  BOOLEAN NOT NULL,
	secure     BOOLEAN NOT NULL,
	http_only  BOOLEAN NOT NULL,
	same_site  INTEGER NOT NULL,
	created    TIMESTAMP NOT NULL,
	PRIMARY KEY (domain, path, name)
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("cookiejar: create table: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	query := fmt.Sprintf("SELECT %s FROM %s", cookieColumns, s.table)
	if err := s.db.SelectContext(ctx, &cookies, query); err != nil {
		return nil, fmt.Errorf("cookiejar: load: %w", err)
	}
	return cookies, nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, cookies []Cookie) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cookiejar: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM "+s.table); err != nil {
		return fmt.Errorf("cookiejar: clear: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (:name, :value, :domain, :path, :expires,
	:persistent, :host_only, :secure, :http_only, :same_site, :created)`, s.table, cookieColumns)
	for _, c := range cookies {
		if _, err = tx.NamedExecContext(ctx, insert, c); err != nil {
			return fmt.Errorf("cookiejar: insert %s: %w", c.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("cookiejar: commit: %w", err)
	}
	return nil
}
