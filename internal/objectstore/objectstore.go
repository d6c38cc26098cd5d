// Package objectstore fetches log objects, optionally from a byte offset.
package objectstore

import (
	"context"
	"fmt"
	"io"

	"logferry/internal/task"
)

// Store opens objects for reading.
type Store interface {
	// Open returns a reader positioned at offset and the object's refreshed
	// metadata. An offset at or past the end yields an empty reader.
	Open(ctx context.Context, ref task.ObjectRef, offset int64) (io.ReadCloser, task.ObjectRef, error)
}

type Config struct {
	Driver       string `koanf:"driver"` // s3|fs
	Root         string `koanf:"root"`
	Region       string `koanf:"region"`
	Endpoint     string `koanf:"endpoint"`
	UsePathStyle bool   `koanf:"use_path_style"`
	// MatchETag sends If-Match when the notification carried an etag, so an
	// object overwritten since the notification is rejected.
	MatchETag bool `koanf:"match_etag"`
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "s3":
		return NewS3FromConfig(ctx, cfg)
	case "fs":
		if cfg.Root == "" {
			return nil, fmt.Errorf("objectstore: fs driver needs a root")
		}
		return NewFS(cfg.Root), nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported driver %q", cfg.Driver)
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyReader) Close() error             { return nil }
