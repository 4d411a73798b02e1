// Package clickhouse provides the migration audit store.
// Append-only records of migration runs and per-pipeline outcomes,
// queryable for fleet-wide migration reporting.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"fabric-migrate/pkg/platform"
)

// RunStatus classifies how a migration run ended.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// MigrationRun is one audit record per invocation of the engine.
// Inserts and scans are positional against the column lists below.
type MigrationRun struct {
	ID          uuid.UUID
	FactoryName string
	WorkspaceID string
	Status      RunStatus
	Offline     bool
	Pipelines   int
	Succeeded   int
	Failed      int
	StartedAt   time.Time
	FinishedAt  time.Time
	CreatedAt   time.Time
}

// PipelineOutcome is one audit record per pipeline in a run.
type PipelineOutcome struct {
	ID       uuid.UUID
	RunID    uuid.UUID
	Pipeline string
	Status   RunStatus

	Activities      int
	CopyRewritten   int
	RefsResolved    int
	RefsDeferred    int
	ExprRewrites    int
	ValidationFails int

	Errors    []string
	Warnings  []string
	CreatedAt time.Time
}

// Config holds ClickHouse connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool
}

// DefaultConfig returns connection configuration from the environment,
// falling back to local development defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:     platform.GetEnv("CLICKHOUSE_HOST", "localhost"),
		Port:     platform.GetEnvInt("CLICKHOUSE_PORT", 9000),
		Database: platform.GetEnv("CLICKHOUSE_DATABASE", "fabricmigrate"),
		Username: platform.GetEnv("CLICKHOUSE_USER", "default"),
		Password: platform.GetEnv("CLICKHOUSE_PASSWORD", ""),
		Debug:    platform.GetEnvBool("CLICKHOUSE_DEBUG", false),
	}
}

// Store implements the migration audit trail on ClickHouse.
type Store struct {
	conn clickhouse.Conn
	cfg  *Config
}

// NewStore creates a new ClickHouse audit store.
func NewStore(cfg *Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the audit tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	runsDDL := `
		CREATE TABLE IF NOT EXISTS migration_runs (
			id UUID,
			factory_name String,
			workspace_id String,
			status LowCardinality(String),
			offline UInt8,
			pipelines UInt32,
			succeeded UInt32,
			failed UInt32,
			started_at DateTime64(3),
			finished_at DateTime64(3),
			created_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (created_at, id)
	`
	outcomesDDL := `
		CREATE TABLE IF NOT EXISTS pipeline_outcomes (
			id UUID,
			run_id UUID,
			pipeline String,
			status LowCardinality(String),
			activities UInt32,
			copy_rewritten UInt32,
			refs_resolved UInt32,
			refs_deferred UInt32,
			expr_rewrites UInt32,
			validation_fails UInt32,
			errors Array(String),
			warnings Array(String),
			created_at DateTime64(3)
		) ENGINE = MergeTree()
		ORDER BY (run_id, pipeline)
	`
	if err := s.conn.Exec(ctx, runsDDL); err != nil {
		return fmt.Errorf("failed to create migration_runs: %w", err)
	}
	if err := s.conn.Exec(ctx, outcomesDDL); err != nil {
		return fmt.Errorf("failed to create pipeline_outcomes: %w", err)
	}
	return nil
}

// =============================================================================
// RUN OPERATIONS
// =============================================================================

// RecordRun inserts one migration run record.
func (s *Store) RecordRun(ctx context.Context, run *MigrationRun) error {
	query := `
		INSERT INTO migration_runs (
			id, factory_name, workspace_id, status, offline,
			pipelines, succeeded, failed, started_at, finished_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.conn.Exec(ctx, query,
		run.ID,
		run.FactoryName,
		run.WorkspaceID,
		string(run.Status),
		boolToUInt8(run.Offline),
		uint32(run.Pipelines),
		uint32(run.Succeeded),
		uint32(run.Failed),
		run.StartedAt,
		run.FinishedAt,
		time.Now(),
	)
}

// RecordOutcomes batch-inserts per-pipeline outcomes for one run.
func (s *Store) RecordOutcomes(ctx context.Context, outcomes []*PipelineOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pipeline_outcomes (
			id, run_id, pipeline, status, activities, copy_rewritten,
			refs_resolved, refs_deferred, expr_rewrites, validation_fails,
			errors, warnings, created_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome batch: %w", err)
	}

	now := time.Now()
	for _, o := range outcomes {
		if err := batch.Append(
			o.ID,
			o.RunID,
			o.Pipeline,
			string(o.Status),
			uint32(o.Activities),
			uint32(o.CopyRewritten),
			uint32(o.RefsResolved),
			uint32(o.RefsDeferred),
			uint32(o.ExprRewrites),
			uint32(o.ValidationFails),
			o.Errors,
			o.Warnings,
			now,
		); err != nil {
			return fmt.Errorf("failed to append outcome for %s: %w", o.Pipeline, err)
		}
	}
	return batch.Send()
}

// ListRuns returns the most recent migration runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*MigrationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, factory_name, workspace_id, status, offline,
			   pipelines, succeeded, failed, started_at, finished_at, created_at
		FROM migration_runs
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*MigrationRun
	for rows.Next() {
		var (
			run      MigrationRun
			status   string
			offline  uint8
			counters [3]uint32
		)
		if err := rows.Scan(
			&run.ID, &run.FactoryName, &run.WorkspaceID, &status, &offline,
			&counters[0], &counters[1], &counters[2],
			&run.StartedAt, &run.FinishedAt, &run.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = RunStatus(status)
		run.Offline = offline == 1
		run.Pipelines = int(counters[0])
		run.Succeeded = int(counters[1])
		run.Failed = int(counters[2])
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
