// Package sqlstore is the durable storage.Storage implementation on top of database/sql.
// SQLite (mattn/go-sqlite3) and PostgreSQL (pgx) share one schema and one set of queries,
// queries are written with ? placeholders and rebound per dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pbinitiative/zenflow/pkg/storage"
	"github.com/pbinitiative/zenflow/pkg/zenflake"
)

type dialect struct {
	name              string
	numberedParams    bool
	isUniqueViolation func(err error) bool
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		isUniqueViolation: func(err error) bool {
			var sqliteErr sqlite3.Error
			return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
		},
	}
	postgresDialect = dialect{
		name:           "postgres",
		numberedParams: true,
		isUniqueViolation: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	}
)

type Storage struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
	logger  hclog.Logger
	ids     *zenflake.Generator
}

var _ storage.Storage = &Storage{}

// OpenSqlite opens (and migrates) the SQLite database at path, ":memory:" gives a private in-memory database.
// Writes are serialized through a single connection.
func OpenSqlite(ctx context.Context, path string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := newStorage(ctx, db, nil, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL using a pgx pool and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s, err := newStorage(ctx, stdlib.OpenDBFromPool(pool), pool, postgresDialect)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newStorage(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, d dialect) (*Storage, error) {
	ids, err := zenflake.NewGenerator(zenflake.NodeIdFromEnvironment())
	if err != nil {
		return nil, err
	}
	s := &Storage{
		db:      db,
		pool:    pool,
		dialect: d,
		logger:  hclog.Default().Named("sqlstore"),
		ids:     ids,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) GenerateId() int64 {
	return s.ids.Generate()
}

// rebind turns ? placeholders into $n for dialects with numbered parameters.
func (s *Storage) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// mapWriteErr translates constraint violations to storage.ErrAlreadyExists.
func (s *Storage) mapWriteErr(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, a...)
	if s.dialect.isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
