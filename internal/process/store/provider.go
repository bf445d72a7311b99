package store

import (
	"fmt"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/db"
	"github.com/cocdev/coc/internal/db/dialect"
)

const sqliteFileName = "coc.db"

// Provide creates the process store selected by serve.store. The returned
// cleanup closes the store and any database pool it opened.
func Provide(cfg config.ServeConfig, log *logger.Logger) (Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		s := NewMemoryStore()
		return s, s.Close, nil

	case "", "file":
		s, err := NewFileStore(cfg.DataDir, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return s, s.Close, nil

	case "sqlite":
		dbPath := filepath.Join(cfg.DataDir, sqliteFileName)
		writer, err := db.OpenSQLite(dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		reader, err := db.OpenSQLiteReader(dbPath)
		if err != nil {
			_ = writer.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
		return provideSQL(pool, dialect.SQLite3)

	case "postgres":
		raw, err := db.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		conn := sqlx.NewDb(raw, dialect.PGX)
		return provideSQL(db.NewPool(conn, conn), dialect.PGX)

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func provideSQL(pool *db.Pool, driver string) (Store, func() error, error) {
	s, err := NewSQLStore(pool, driver)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}
	cleanup := func() error {
		err := s.Close()
		if poolErr := pool.Close(); err == nil {
			err = poolErr
		}
		return err
	}
	return s, cleanup, nil
}
