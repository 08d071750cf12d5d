// Copyright (C) 2025 Search Case Authors.
// See LICENSE for copying information.

// Package contentdb implements the authoritative content store on
// PostgreSQL. It exclusively owns the persisted state of content records,
// change logs, sync batches and scheduler state; every other component
// holds value copies.
package contentdb

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
)

var (
	// Error is the contentdb error class.
	Error = errs.Class("contentdb")
	// ErrLockBusy is returned when a job advisory lock is already held.
	ErrLockBusy = errs.Class("contentdb: job lock busy")

	mon = monkit.Package()
)

// Config holds the store configuration.
type Config struct {
	DSN             string `yaml:"dsn"`
	MaxPool         int    `yaml:"max_pool"`
	MinPool         int    `yaml:"min_pool"`
	UpsertBatchSize int    `yaml:"upsert_batch_size"`
}

func (c Config) withDefaults() Config {
	if c.MaxPool <= 0 {
		c.MaxPool = 20
	}
	if c.MinPool <= 0 {
		c.MinPool = 2
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 500
	}
	return c
}

// DB is the PostgreSQL-backed store.
type DB struct {
	log    *zap.Logger
	db     *sqlx.DB
	config Config
}

// Open connects to PostgreSQL with a bounded connection pool.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	config = config.withDefaults()

	db, err := sqlx.Open("pgx", config.DSN)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db.SetMaxOpenConns(config.MaxPool)
	db.SetMaxIdleConns(config.MinPool)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	log.Info("connected to store",
		zap.Int("max pool", config.MaxPool),
		zap.Int("min pool", config.MinPool))
	return Wrap(log, db, config), nil
}

// Wrap builds a DB over an existing connection. Used by tests to inject a
// mocked driver.
func Wrap(log *zap.Logger, db *sqlx.DB, config Config) *DB {
	return &DB{log: log, db: db, config: config.withDefaults()}
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Ping reports whether the store is reachable. Used by the health surface.
func (db *DB) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(db.db.PingContext(ctx))
}

// WithJobLock runs fn while holding the named cross-process advisory lock.
// It returns ErrLockBusy without running fn when another process holds the
// lock. The lock lives on a dedicated session so pool rotation cannot
// release it early.
func (db *DB) WithJobLock(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := db.db.Connx(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(conn.Close())) }()

	key := advisoryKey(name)

	var acquired bool
	if err := conn.QueryRowxContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return Error.Wrap(err)
	}
	if !acquired {
		return ErrLockBusy.New("%s", name)
	}
	defer func() {
		var released bool
		unlockErr := conn.QueryRowxContext(context.WithoutCancel(ctx),
			`SELECT pg_advisory_unlock($1)`, key).Scan(&released)
		err = errs.Combine(err, Error.Wrap(unlockErr))
	}()

	return fn(ctx)
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("search-case:" + name))
	return int64(h.Sum64())
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
