package storage

import (
	"context"
	"fmt"
)

// Config selects and configures a Backend.
type Config struct {
	Driver        string `yaml:"driver"` // file, bolt, postgres or memory
	Path          string `yaml:"path"`
	DatabaseURL   string `yaml:"database_url"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// Open returns the Backend described by cfg. The postgres driver runs pending
// migrations before connecting.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileBackend(cfg.Path)
	case "bolt":
		return NewBoltBackend(cfg.Path)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres driver needs database_url")
		}
		if err := RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		return NewPostgresBackend(ctx, cfg.DatabaseURL)
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
