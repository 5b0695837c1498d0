package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver       string        `split_words:"true" default:"sqlite"`
	DSN          string        `envconfig:"DSN" default:"file:backoffice.db?_pragma=busy_timeout(5000)"`
	MaxOpenConns int           `split_words:"true" default:"10"`
	DialTimeout  time.Duration `split_words:"true" default:"5s"`
	LogQueries   bool          `split_words:"true" default:"false"`
}

func Open(cfg Config) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}

	var db *bun.DB
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverPostgres:
		opts := []pgdriver.Option{pgdriver.WithDSN(dsn)}
		if cfg.DialTimeout > 0 {
			opts = append(opts, pgdriver.WithDialTimeout(cfg.DialTimeout))
		}
		sqldb := sql.OpenDB(pgdriver.NewConnector(opts...))
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	case DriverSQLite, "":
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// single writer keeps sqlite transactions serialised
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.LogQueries {
		db.AddQueryHook(queryLogger{})
	}
	return db, nil
}

// OpenSQLiteMemory opens a private in-memory sqlite database.
func OpenSQLiteMemory() (*bun.DB, error) {
	return Open(Config{Driver: DriverSQLite, DSN: "file::memory:"})
}

// CreateTables creates the tables for models when they do not exist yet.
func CreateTables(ctx context.Context, db bun.IDB, models ...any) error {
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	return nil
}

type queryLogger struct{}

func (queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (queryLogger) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	evt := log.Debug()
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		evt = log.Warn().Err(event.Err)
	}
	evt.Str("query", event.Query).
		Dur("duration", time.Since(event.StartTime)).
		Msg("database query")
}
