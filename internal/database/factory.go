package database

import (
	"fmt"
	"path/filepath"

	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// NewHistoryFromConfig creates a History implementation based on the database config type.
func NewHistoryFromConfig(cfg config.DatabaseConfig, hostID string) (freeze.History, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("%w: data_dir required for sqlite database", freeze.ErrArgument)
		}
		h, err := NewSQLiteHistory(filepath.Join(cfg.DataDir, hostID+".db"))
		if err != nil {
			return nil, err
		}
		return h, nil
	case "memory":
		h, err := NewSQLiteHistory(":memory:")
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: unknown database type: %s", freeze.ErrArgument, cfg.Type)
	}
}
