// Package storage selects the MessageStore backend from configuration.
package storage

import (
	"fmt"

	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/storage/memory"
	"github.com/tjfontaine/replywatch/internal/storage/sqldb"
)

// Config selects and configures a store.
type Config struct {
	Type   string // memory, sqlite, postgres
	DSN    string
	SQLite struct {
		Path string
	}
}

// New opens the configured store. An empty type means memory.
func New(cfg Config) (ports.MessageStore, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.SQLite.Path
		}
		if dsn == "" {
			return nil, fmt.Errorf("sqlite storage requires a path")
		}
		return sqldb.NewSQLite(dsn)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres storage requires a dsn")
		}
		return sqldb.New(sqldb.Config{Driver: "postgres", DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
