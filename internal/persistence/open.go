package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/runs"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a run store.
type Options struct {
	Backend string
	// Path is the file or SQLite database path.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
	// CacheTTL wraps the store in a runs.CachedStore when positive.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// ErrUnsupported is returned by Handle operations the backend lacks.
var ErrUnsupported = errors.New("persistence: not supported by this backend")

// Handle is an opened run store plus whatever has to be closed with it.
type Handle struct {
	Store runs.Store
	// DB is set for the sqlite backend so the audit log can share it.
	DB *sql.DB

	sqlite  *SQLiteStore
	closeFn func() error
}

// PurgeHistory drops run events and audit rows older than retention,
// rounded up to whole days. Backends without history tables do nothing.
func (h *Handle) PurgeHistory(ctx context.Context, retention time.Duration) (int, error) {
	if h == nil || h.sqlite == nil || retention <= 0 {
		return 0, nil
	}
	days := int((retention + 24*time.Hour - 1) / (24 * time.Hour))
	res, err := h.sqlite.RunRetention(ctx, days, days)
	if err != nil {
		return 0, err
	}
	return int(res.PurgedRunEvents + res.PurgedAuditLogs), nil
}

// Backup writes a consistent copy of the sqlite database to dest.
func (h *Handle) Backup(ctx context.Context, dest string) error {
	if h == nil || h.sqlite == nil {
		return ErrUnsupported
	}
	return h.sqlite.Backup(ctx, dest)
}

// RunEvents returns the status trail of one run, oldest first.
func (h *Handle) RunEvents(ctx context.Context, conversationID, runID string) ([]RunEvent, error) {
	if h == nil || h.sqlite == nil {
		return nil, ErrUnsupported
	}
	return h.sqlite.ListRunEvents(ctx, conversationID, runID)
}

func (h *Handle) Close() error {
	if h == nil || h.closeFn == nil {
		return nil
	}
	return h.closeFn()
}

// Open builds the run store named by opts.Backend.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handle{}
	switch opts.Backend {
	case BackendMemory:
		h.Store = runs.NewMemoryStore()
	case BackendFile:
		fs, err := runs.OpenFileStore(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("persistence: open file store: %w", err)
		}
		h.Store = fs
	case BackendSQLite, "":
		s, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("persistence: open sqlite: %w", err)
		}
		h.Store, h.DB, h.sqlite, h.closeFn = s, s.DB(), s, s.Close
	case BackendPostgres:
		s, err := OpenPostgres(ctx, opts.DSN, opts.Logger)
		if err != nil {
			return nil, err
		}
		h.Store = s
		h.closeFn = func() error { s.Close(); return nil }
	default:
		return nil, fmt.Errorf("persistence: unknown backend %q", opts.Backend)
	}
	if opts.CacheTTL > 0 {
		h.Store = runs.NewCachedStore(h.Store, opts.CacheTTL)
	}
	opts.Logger.Debug("run store opened", "backend", opts.Backend, "cached", opts.CacheTTL > 0)
	return h, nil
}
