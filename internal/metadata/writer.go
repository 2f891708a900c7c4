package metadata

import (
	"context"
)

type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

// Writer records finished runs in a catalog.
type Writer interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordRun(_ context.Context, _ RunRecord) error { return nil }

func (noopWriter) Close() error { return nil }
