// Package backend opens the ledger store selected by DATA_BACKEND.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kas/internal/config"
	"kas/internal/ledger"
	"kas/internal/ledger/memory"
	"kas/internal/storage"
)

type Type string

const (
	SQLite Type = "sqlite"
	Memory Type = "memory"
)

// Config selects and parameterizes a store.
type Config struct {
	Type         Type
	SQLiteDBPath string
}

// FromAppConfig picks the store settings out of the application config.
func FromAppConfig(c *config.Config) (Config, error) {
	if c == nil {
		return Config{}, errors.New("app config is nil")
	}
	cfg := Config{Type: Type(c.DataBackend), SQLiteDBPath: c.SQLiteDBPath}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Type {
	case Memory:
		return nil
	case SQLite:
		if c.SQLiteDBPath == "" {
			return errors.New("sqlite backend needs SQLITE_DB_PATH")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", c.Type)
	}
}

// Store is an opened ledger store. Close is nil when there is nothing to release.
type Store struct {
	ledger.Store
	Close func() error
}

// Open creates the store and checks it answers.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Type == Memory {
		logger.Warn("Using memory backend, the ledger is lost on restart")
		return &Store{Store: memory.New()}, nil
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("sqlite ledger not reachable: %w", err)
	}
	logger.Info("Opened SQLite ledger", "db_path", cfg.SQLiteDBPath)
	return &Store{Store: repo, Close: repo.Close}, nil
}
