// Package checkpoint persists per-object resume state.
//
// Stores are shared by concurrent workers. Save is atomic per call and never
// lets an older checkpoint (lower sequence) replace a newer one; concurrent
// saves for the same object are not serialized beyond that.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"logferry/internal/task"
)

type Store interface {
	Load(ctx context.Context, id string) (task.Checkpoint, bool, error)
	Save(ctx context.Context, id string, cp task.Checkpoint) error
	Delete(ctx context.Context, id string) error
	Close() error
}

type Config struct {
	Driver   string `koanf:"driver"` // memory|sqlite|dynamodb
	Path     string `koanf:"path"`
	Table    string `koanf:"table"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, logger *slog.Logger, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("checkpoint: sqlite store needs a path")
		}
		return NewSQLite(logger, cfg.Path)
	case "dynamodb":
		if cfg.Table == "" {
			return nil, fmt.Errorf("checkpoint: dynamodb store needs a table")
		}
		return NewDynamoFromConfig(ctx, cfg)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported driver %q", cfg.Driver)
	}
}

// newer reports whether next may replace stored.
func newer(stored, next task.Checkpoint) bool {
	return next.Task.Sequence >= stored.Task.Sequence
}
