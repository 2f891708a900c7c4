package metadata

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool           *pgxpool.Pool
	cfg            CatalogConfig
	log            *slog.Logger
	mu             sync.RWMutex
	extractorCache map[string]int64 // cache extractor IDs
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:           pool,
		cfg:            cfg,
		log:            slog.With("component", "metadata"),
		extractorCache: make(map[string]int64),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog")
	return w, nil
}

// initSchema creates the _meta_* tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// EnsureExtractor registers or retrieves an extractor/schema entry.
func (w *PostgresWriter) EnsureExtractor(ctx context.Context, extractor, schemaHash string) (int64, error) {
	cacheKey := fmt.Sprintf("%s.%s.%s", w.cfg.Namespace, extractor, schemaHash)
	w.mu.RLock()
	if id, ok := w.extractorCache[cacheKey]; ok {
		w.mu.RUnlock()
		return id, nil
	}
	w.mu.RUnlock()

	query := `
		INSERT INTO _meta_extractors (namespace, extractor, schema_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, extractor, schema_hash)
		DO UPDATE SET updated_at = NOW()
		RETURNING id
	`

	var id int64
	if err := w.pool.QueryRow(ctx, query, w.cfg.Namespace, extractor, schemaHash).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure extractor: %w", err)
	}

	w.mu.Lock()
	w.extractorCache[cacheKey] = id
	w.mu.Unlock()

	return id, nil
}

// RecordRun writes the run and its shard files in one transaction.
func (w *PostgresWriter) RecordRun(ctx context.Context, rec RunRecord) error {
	extractorID, err := w.EnsureExtractor(ctx, rec.Extractor, rec.SchemaHash)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO _meta_runs (
				run_id, extractor_id, mode, target, status, num_shards, total_rows,
				units_total, units_failed, output_dir, published_uri, error_message,
				started_at, finished_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (run_id)
			DO UPDATE SET
				status = EXCLUDED.status,
				total_rows = EXCLUDED.total_rows,
				units_failed = EXCLUDED.units_failed,
				published_uri = EXCLUDED.published_uri,
				error_message = EXCLUDED.error_message,
				finished_at = EXCLUDED.finished_at
		`,
			rec.RunID,
			extractorID,
			rec.Mode,
			rec.Target,
			rec.Status,
			rec.NumShards,
			rec.TotalRows,
			rec.UnitsTotal,
			rec.UnitsFailed,
			nullable(rec.OutputDir),
			nullable(rec.PublishedURI),
			nullable(rec.Error),
			rec.StartedAt,
			rec.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		batch := &pgx.Batch{}
		for _, sh := range rec.Shards {
			batch.Queue(`
				INSERT INTO _meta_shards (run_id, shard, file, row_count, byte_size, checksum)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (run_id, shard)
				DO UPDATE SET
					row_count = EXCLUDED.row_count,
					byte_size = EXCLUDED.byte_size,
					checksum = EXCLUDED.checksum
			`, rec.RunID, sh.Shard, sh.File, sh.RowCount, sh.ByteSize, nullable(sh.Checksum))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert shards: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}

	w.log.Info("recorded run", "run_id", rec.RunID, "status", rec.Status, "shards", len(rec.Shards))
	return nil
}

// LastRun returns the most recent run of an extractor, or nil if none.
func (w *PostgresWriter) LastRun(ctx context.Context, extractor string) (*RunRecord, error) {
	query := `
		SELECT r.run_id, e.extractor, e.schema_hash, r.mode, r.target, r.status,
		       r.num_shards, r.total_rows, r.units_total, r.units_failed,
		       COALESCE(r.output_dir, ''), COALESCE(r.published_uri, ''),
		       COALESCE(r.error_message, ''), r.started_at, r.finished_at
		FROM _meta_runs r
		JOIN _meta_extractors e ON e.id = r.extractor_id
		WHERE e.namespace = $1 AND e.extractor = $2
		ORDER BY r.started_at DESC
		LIMIT 1
	`

	var rec RunRecord
	err := w.pool.QueryRow(ctx, query, w.cfg.Namespace, extractor).Scan(
		&rec.RunID, &rec.Extractor, &rec.SchemaHash, &rec.Mode, &rec.Target, &rec.Status,
		&rec.NumShards, &rec.TotalRows, &rec.UnitsTotal, &rec.UnitsFailed,
		&rec.OutputDir, &rec.PublishedURI, &rec.Error, &rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get last run: %w", err)
	}
	return &rec, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
