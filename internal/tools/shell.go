package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024 // 8KB
)

// Executor runs shell commands.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally with sh -c.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workDir
	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	if runErr := c.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands exec never runs, whatever the permission
// rules say.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

func (w Workspace) shellTool() Tool {
	return FromJSON("exec",
		"Execute a shell command in the workspace and return stdout, stderr and the exit code. Destructive commands (rm, sudo, kill, ...) are blocked. Output is truncated to 8KB and secrets are redacted.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":     map[string]any{"type": "string"},
				"working_dir": map[string]any{"type": "string", "description": "Directory relative to the workspace root."},
				"timeout_sec": map[string]any{"type": "integer", "minimum": 1, "maximum": 120},
			},
			"required": []any{"command"},
		},
		w.exec,
		WithPermission(func(args map[string]any) (string, string) {
			return "exec", stringArg(args, "command")
		}),
	)
}

func (w Workspace) exec(ctx context.Context, args map[string]any) (any, error) {
	command := stringArg(args, "command")
	if err := checkCommand(command); err != nil {
		return nil, err
	}
	dir, err := w.resolve(stringArg(args, "working_dir"))
	if err != nil {
		return nil, err
	}

	timeout := defaultShellTimeout
	if secs, ok := args["timeout_sec"].(float64); ok && secs > 0 {
		timeout = min(time.Duration(secs)*time.Second, maxShellTimeout)
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	executor := w.Executor
	if executor == nil {
		executor = HostExecutor{}
	}
	stdout, stderr, exitCode, err := executor.Exec(execCtx, command, dir)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return map[string]any{"stdout": "", "stderr": "command timed out", "exit_code": -1}, nil
		}
		return nil, fmt.Errorf("exec: %w", err)
	}
	return map[string]any{
		"stdout":    shared.Redact(truncateOutput(stdout, maxShellOutput)),
		"stderr":    shared.Redact(truncateOutput(stderr, maxShellOutput)),
		"exit_code": exitCode,
	}, nil
}

// checkCommand rejects empty commands, command substitution and any
// segment that invokes a denied program.
func checkCommand(command string) error {
	if command == "" {
		return errors.New("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return fmt.Errorf("command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
