// Package audit appends permission decisions to logs/audit.jsonl and,
// when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

type entry struct {
	Timestamp      string `json:"timestamp"`
	Decision       string `json:"decision"`
	Permission     string `json:"permission"`
	Pattern        string `json:"pattern,omitempty"`
	Reason         string `json:"reason"`
	RulesVersion   string `json:"rules_version"`
	TraceID        string `json:"trace_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one decision. Run and trace ids are taken from ctx.
func Record(ctx context.Context, decision, permission, pattern, reason, rulesVersion string) {
	if decision == "deny" {
		denyCount.Add(1)
	}

	pattern = shared.Redact(pattern)
	reason = shared.Redact(reason)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			Decision:       decision,
			Permission:     permission,
			Pattern:        pattern,
			Reason:         reason,
			RulesVersion:   rulesVersion,
			TraceID:        traceID,
			RunID:          shared.RunID(ctx),
			ConversationID: shared.ConversationID(ctx),
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, run_id, permission, pattern, decision, reason, rules_version)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, traceID, shared.RunID(ctx), permission, pattern, decision, reason, rulesVersion)
	}
}
