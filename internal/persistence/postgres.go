package persistence

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/agentcore/internal/runs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pgRunColumns = `conversation_id, run_id, subagent, task, status, parent_run_id, root_run_id,
	requester, depth, result, error, metadata, created_at, updated_at, started_at, ended_at`

// PostgresStore is a runs.Store on PostgreSQL, for registries shared by
// several processes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ runs.Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: ping pool: %w", err)
	}
	s := &PostgresStore{pool: pool, logger: logger}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.RunMigrations(ctx, sub); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

// Close shuts down the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// RunMigrations executes unapplied .sql files from migrations in name
// order, recording each in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrations fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("persistence: create schema_migrations: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("persistence: load applied migrations: %w", err)
	}
	applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("persistence: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrations, ".")
	if err != nil {
		return fmt.Errorf("persistence: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		if contains(applied, name) {
			s.logger.Debug("migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrations, name)
		if err != nil {
			return fmt.Errorf("persistence: read migration %s: %w", name, err)
		}
		s.logger.Info("running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("persistence: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("persistence: record migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *runs.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (`+pgRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ConversationID, rec.RunID, rec.SubAgent, rec.Task, string(rec.Status), rec.ParentRunID,
		rec.RootRunID, rec.Requester, rec.Depth, rec.Result, rec.Error, jsonMetadata(rec.Metadata),
		rec.CreatedAt, rec.UpdatedAt, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return runs.ErrExists
		}
		return fmt.Errorf("persistence: create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, conversationID, runID string) (*runs.Record, error) {
	rec, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT `+pgRunColumns+` FROM runs WHERE conversation_id = $1 AND run_id = $2`,
		conversationID, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runs.ErrNotFound
	}
	return rec, err
}

// Transition locks the row with SELECT ... FOR UPDATE, so concurrent
// callers serialize on it and all but the first observe the new status.
func (s *PostgresStore) Transition(ctx context.Context, conversationID, runID string, from []runs.Status, to runs.Status, mutate func(*runs.Record)) (*runs.Record, bool, error) {
	var (
		out *runs.Record
		won bool
	)
	err := withRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("persistence: begin transition: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rec, err := scanPgRun(tx.QueryRow(ctx,
			`SELECT `+pgRunColumns+` FROM runs WHERE conversation_id = $1 AND run_id = $2 FOR UPDATE`,
			conversationID, runID))
		if errors.Is(err, pgx.ErrNoRows) {
			return runs.ErrNotFound
		}
		if err != nil {
			return err
		}
		current := rec.Status
		if !runs.ApplyTransition(rec, from, to, mutate, time.Now().UTC()) {
			out, won = rec, false
			return nil
		}
		if !runs.CanTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", runs.ErrInvalidTransition, current, to)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs
			 SET status = $1, result = $2, error = $3, metadata = $4,
			     updated_at = $5, started_at = $6, ended_at = $7
			 WHERE conversation_id = $8 AND run_id = $9 AND status = $10`,
			string(rec.Status), rec.Result, rec.Error, jsonMetadata(rec.Metadata),
			rec.UpdatedAt, rec.StartedAt, rec.EndedAt, conversationID, runID, string(current),
		); err != nil {
			return fmt.Errorf("persistence: update run transition: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("persistence: commit transition: %w", err)
		}
		out, won = rec, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, won, nil
}

func (s *PostgresStore) MergeMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*runs.Record, error) {
	rec, err := scanPgRun(s.pool.QueryRow(ctx,
		`UPDATE runs SET metadata = metadata || $1, updated_at = $2
		 WHERE conversation_id = $3 AND run_id = $4
		 RETURNING `+pgRunColumns,
		jsonMetadata(md), time.Now().UTC(), conversationID, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runs.ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, f runs.Filter) ([]*runs.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.RunID != "" {
		add("run_id = $%d", f.RunID)
	}
	if f.ConversationID != "" {
		add("conversation_id = $%d", f.ConversationID)
	}
	if f.Requester != "" {
		add("requester = $%d", f.Requester)
	}
	if f.RootRunID != "" {
		add("root_run_id = $%d", f.RootRunID)
	}
	if f.ParentRunID != "" {
		add("parent_run_id = $%d", f.ParentRunID)
	}
	if f.SubAgent != "" {
		add("subagent = $%d", f.SubAgent)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if !f.EndedBefore.IsZero() {
		add("ended_at IS NOT NULL AND ended_at < $%d", f.EndedBefore)
	}

	q := `SELECT ` + pgRunColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, run_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("persistence: list runs: %w", err)
	}
	defer rows.Close()

	var out []*runs.Record
	for rows.Next() {
		rec, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, conversationID, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE conversation_id = $1 AND run_id = $2`, conversationID, runID); err != nil {
		return fmt.Errorf("persistence: delete run: %w", err)
	}
	return nil
}

func scanPgRun(row pgx.Row) (*runs.Record, error) {
	var (
		rec    runs.Record
		status string
	)
	if err := row.Scan(
		&rec.ConversationID, &rec.RunID, &rec.SubAgent, &rec.Task, &status, &rec.ParentRunID,
		&rec.RootRunID, &rec.Requester, &rec.Depth, &rec.Result, &rec.Error, &rec.Metadata,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.StartedAt, &rec.EndedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("persistence: scan run: %w", err)
	}
	rec.Status = runs.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	return &rec, nil
}

func jsonMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isRetriable reports Postgres serialization and deadlock failures.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}

// withRetry runs fn, retrying serialization and deadlock failures with
// jittered exponential backoff.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(baseDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay + jitter):
		}
		baseDelay *= 2
	}
	return err
}
