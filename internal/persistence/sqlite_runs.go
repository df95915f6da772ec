package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/agentcore/internal/runs"
)

const busyRetries = 5

const runColumns = `conversation_id, run_id, subagent, task, status, parent_run_id, root_run_id,
	requester, depth, result, error, metadata_json, created_at_ns, updated_at_ns, started_at_ns, ended_at_ns`

// RunEvent is one row of a run's status trail.
type RunEvent struct {
	EventID        int64       `json:"event_id"`
	ConversationID string      `json:"conversation_id"`
	RunID          string      `json:"run_id"`
	StateFrom      runs.Status `json:"state_from,omitempty"`
	StateTo        runs.Status `json:"state_to"`
	CreatedAt      time.Time   `json:"created_at"`
}

var _ runs.Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Create(ctx context.Context, rec *runs.Record) error {
	md, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ConversationID, rec.RunID, rec.SubAgent, rec.Task, string(rec.Status), rec.ParentRunID,
			rec.RootRunID, rec.Requester, rec.Depth, rec.Result, rec.Error, md,
			toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt), nullNanos(rec.StartedAt), nullNanos(rec.EndedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return runs.ErrExists
			}
			return fmt.Errorf("insert run: %w", err)
		}
		if err := appendRunEventTx(ctx, tx, rec.ConversationID, rec.RunID, "", rec.Status); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create run: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID, runID string) (*runs.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE conversation_id = ? AND run_id = ?;`,
		conversationID, runID)
	rec, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runs.ErrNotFound
	}
	return rec, err
}

// Transition loads the run inside a transaction and writes it back guarded
// by its previous status, so a concurrent writer makes this call lose
// rather than overwrite.
func (s *SQLiteStore) Transition(ctx context.Context, conversationID, runID string, from []runs.Status, to runs.Status, mutate func(*runs.Record)) (*runs.Record, bool, error) {
	var (
		out *runs.Record
		won bool
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rec, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE conversation_id = ? AND run_id = ?;`,
			conversationID, runID).Scan)
		if errors.Is(err, sql.ErrNoRows) {
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
		md, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?, result = ?, error = ?, metadata_json = ?,
				updated_at_ns = ?, started_at_ns = ?, ended_at_ns = ?
			WHERE conversation_id = ? AND run_id = ? AND status = ?;
		`, string(rec.Status), rec.Result, rec.Error, md, toNanos(rec.UpdatedAt),
			nullNanos(rec.StartedAt), nullNanos(rec.EndedAt), conversationID, runID, string(current))
		if err != nil {
			return fmt.Errorf("update run transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			latest, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE conversation_id = ? AND run_id = ?;`,
				conversationID, runID).Scan)
			if err != nil {
				return err
			}
			out, won = latest, false
			return nil
		}
		if err := appendRunEventTx(ctx, tx, conversationID, runID, current, to); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		out, won = rec, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, won, nil
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, conversationID, runID string, md map[string]any) (*runs.Record, error) {
	var out *runs.Record
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin metadata tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rec, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE conversation_id = ? AND run_id = ?;`,
			conversationID, runID).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return runs.ErrNotFound
		}
		if err != nil {
			return err
		}
		rec.Metadata = runs.MergeMetadata(rec.Metadata, md)
		rec.UpdatedAt = time.Now().UTC()
		encoded, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET metadata_json = ?, updated_at_ns = ?
			WHERE conversation_id = ? AND run_id = ?;
		`, encoded, toNanos(rec.UpdatedAt), conversationID, runID); err != nil {
			return fmt.Errorf("update run metadata: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit metadata: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *SQLiteStore) List(ctx context.Context, f runs.Filter) ([]*runs.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.RunID != "" {
		add("run_id = ?", f.RunID)
	}
	if f.ConversationID != "" {
		add("conversation_id = ?", f.ConversationID)
	}
	if f.Requester != "" {
		add("requester = ?", f.Requester)
	}
	if f.RootRunID != "" {
		add("root_run_id = ?", f.RootRunID)
	}
	if f.ParentRunID != "" {
		add("parent_run_id = ?", f.ParentRunID)
	}
	if f.SubAgent != "" {
		add("subagent = ?", f.SubAgent)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.EndedBefore.IsZero() {
		add("ended_at_ns IS NOT NULL AND ended_at_ns < ?", toNanos(f.EndedBefore))
	}

	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at_ns ASC, run_id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*runs.Record
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID, runID string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE conversation_id = ? AND run_id = ?;`, conversationID, runID); err != nil {
			return fmt.Errorf("delete run events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE conversation_id = ? AND run_id = ?;`, conversationID, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return tx.Commit()
	})
}

// ListRunEvents returns the status trail of one run, oldest first.
func (s *SQLiteStore) ListRunEvents(ctx context.Context, conversationID, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, conversation_id, run_id, COALESCE(state_from, ''), state_to, created_at
		FROM run_events
		WHERE conversation_id = ? AND run_id = ?
		ORDER BY event_id ASC;
	`, conversationID, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		if err := rows.Scan(&ev.EventID, &ev.ConversationID, &ev.RunID, &ev.StateFrom, &ev.StateTo, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}

func appendRunEventTx(ctx context.Context, tx *sql.Tx, conversationID, runID string, from, to runs.Status) error {
	stateFrom := sql.NullString{String: string(from), Valid: from != ""}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (conversation_id, run_id, state_from, state_to)
		VALUES (?, ?, ?, ?);
	`, conversationID, runID, stateFrom, string(to)); err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

func scanRun(scanFn func(dest ...any) error) (*runs.Record, error) {
	var (
		rec              runs.Record
		status, md       string
		created, updated int64
		started, ended   sql.NullInt64
	)
	if err := scanFn(
		&rec.ConversationID, &rec.RunID, &rec.SubAgent, &rec.Task, &status, &rec.ParentRunID,
		&rec.RootRunID, &rec.Requester, &rec.Depth, &rec.Result, &rec.Error, &md,
		&created, &updated, &started, &ended,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	rec.Status = runs.Status(status)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	if started.Valid {
		t := fromNanos(started.Int64)
		rec.StartedAt = &t
	}
	if ended.Valid {
		t := fromNanos(ended.Int64)
		rec.EndedAt = &t
	}
	metadata, err := decodeMetadata(md)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", rec.RunID, err)
	}
	rec.Metadata = metadata
	return &rec, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode run metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return nil, fmt.Errorf("decode run metadata: %w", err)
	}
	return md, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
