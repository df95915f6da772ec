package persistence_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/runs/runstest"
	"github.com/basket/agentcore/internal/shared"
)

func openTestStore(t *testing.T) (*persistence.SQLiteStore, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "agentcore.db")
	store, err := persistence.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestSQLiteStore_Conformance(t *testing.T) {
	runstest.Run(t, func(t *testing.T) runs.Store {
		store, _ := openTestStore(t)
		return store
	})
}

func TestSQLiteStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
	for _, table := range []string{"schema_migrations", "runs", "run_events", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestSQLiteStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "agentcore.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed schema_migrations: %v", err)
	}
	_ = db.Close()

	_, err = persistence.OpenSQLite(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestSQLiteStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	_, err := persistence.OpenSQLite(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestSQLiteStore_ReopenKeepsRuns(t *testing.T) {
	ctx := context.Background()
	store, dbPath := openTestStore(t)
	reg := runs.NewRegistry(store, runs.DefaultLimits())

	rec, err := reg.Create(ctx, runs.Spec{ConversationID: "c", SubAgent: "coder", Task: "fix it"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := reg.MarkRunning(ctx, "c", rec.RunID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := persistence.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	reg = runs.NewRegistry(reopened, runs.DefaultLimits())
	n, err := reg.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v; want 1 run", n, err)
	}
	got, err := reg.Get(ctx, "c", rec.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != runs.StatusFailed || got.Error != runs.RestartReason {
		t.Fatalf("expected failed with restart reason, got %s %q", got.Status, got.Error)
	}
	if got.Task != "fix it" || got.StartedAt == nil || got.EndedAt == nil {
		t.Fatalf("fields lost across reopen: %+v", got)
	}
}

func TestSQLiteStore_RunEventsTrail(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	reg := runs.NewRegistry(store, runs.DefaultLimits())

	rec, err := reg.Create(ctx, runs.Spec{ConversationID: "c"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, _ = reg.MarkRunning(ctx, "c", rec.RunID)
	_, _, _ = reg.MarkCompleted(ctx, "c", rec.RunID, "ok")
	// A losing transition leaves no trail entry.
	_, _, _ = reg.MarkFailed(ctx, "c", rec.RunID, "late")

	events, err := store.ListRunEvents(ctx, "c", rec.RunID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := []struct{ from, to runs.Status }{
		{"", runs.StatusPending},
		{runs.StatusPending, runs.StatusRunning},
		{runs.StatusRunning, runs.StatusCompleted},
	}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, w := range want {
		if events[i].StateFrom != w.from || events[i].StateTo != w.to {
			t.Fatalf("event %d = %s->%s, want %s->%s", i, events[i].StateFrom, events[i].StateTo, w.from, w.to)
		}
	}

	if err := store.Delete(ctx, "c", rec.RunID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	events, err = store.ListRunEvents(ctx, "c", rec.RunID)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected trail removed with run, got %d events (%v)", len(events), err)
	}
}

func TestSQLiteStore_AuditLogTable(t *testing.T) {
	store, _ := openTestStore(t)
	audit.SetDB(store.DB())
	t.Cleanup(func() { audit.SetDB(nil) })

	ctx := shared.WithRunID(context.Background(), "run-9")
	audit.Record(ctx, "deny", "bash", "rm *", "rule", "v1")

	var runID, decision string
	if err := store.DB().QueryRow(`SELECT run_id, decision FROM audit_log;`).Scan(&runID, &decision); err != nil {
		t.Fatalf("query audit_log: %v", err)
	}
	if runID != "run-9" || decision != "deny" {
		t.Fatalf("unexpected audit row %q %q", runID, decision)
	}

	result, err := store.RunRetention(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if result.PurgedAuditLogs != 0 {
		t.Fatalf("recent audit rows must be kept, got %+v", result)
	}
}

func TestSQLiteStore_Backup(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	if err := store.Create(ctx, runstest.NewRecord("c", "r")); err != nil {
		t.Fatalf("create: %v", err)
	}
	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}
	backup, err := persistence.OpenSQLite(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer backup.Close()
	if _, err := backup.Get(ctx, "c", "r"); err != nil {
		t.Fatalf("run missing from backup: %v", err)
	}
	if err := store.Backup(ctx, backupPath); err == nil {
		t.Fatal("expected error backing up to existing file")
	}
}
