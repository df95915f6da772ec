package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

type fakeExecutor struct {
	cmd, dir string
	stdout   string
	exit     int
}

func (f *fakeExecutor) Exec(_ context.Context, cmd, dir string) (string, string, int, error) {
	f.cmd, f.dir = cmd, dir
	return f.stdout, "", f.exit, nil
}

func TestCheckCommand(t *testing.T) {
	tests := []struct {
		cmd     string
		wantErr string
	}{
		{"echo hello", ""},
		{"ls | grep go && go test ./...", ""},
		{"", "empty command"},
		{"echo hi; rm -rf /", "disallowed operator"},
		{"echo $(whoami)", "disallowed operator"},
		{"echo `id`", "disallowed operator"},
		{"ls | sudo tee /etc/x", "deny list"},
		{"git status || rm file", "deny list"},
	}
	for _, tt := range tests {
		err := checkCommand(tt.cmd)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%q: unexpected error %v", tt.cmd, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%q: expected %q, got %v", tt.cmd, tt.wantErr, err)
		}
	}
}

func TestSplitCommandSegments(t *testing.T) {
	got := splitCommandSegments("a | b && c || d")
	want := []string{"a", "b", "c", "d"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("segments = %v, want %v", got, want)
	}
}

func TestExec_UsesExecutorAndRedacts(t *testing.T) {
	root := t.TempDir()
	fx := &fakeExecutor{stdout: "token: sk-ant-REDACTED", exit: 3}
	res, err := workspaceTool(t, Workspace{Root: root, Executor: fx}, "exec").Execute(context.Background(),
		map[string]any{"command": "cat creds"})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if fx.cmd != "cat creds" || fx.dir == "" {
		t.Fatalf("executor got cmd=%q dir=%q", fx.cmd, fx.dir)
	}
	if strings.Contains(res.Output, "abcdefghijklmnop") {
		t.Fatalf("secret not redacted: %s", res.Output)
	}
	if !strings.Contains(res.Output, `"exit_code":3`) {
		t.Fatalf("exit code missing: %s", res.Output)
	}
}

func TestHostExecutor_Echo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, _, code, err := HostExecutor{}.Exec(ctx, "echo hello", t.TempDir())
	if err != nil || code != 0 {
		t.Fatalf("exec: code=%d err=%v", code, err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Fatalf("stdout = %q", out)
	}
	_, _, code, _ = HostExecutor{}.Exec(ctx, "exit 4", "")
	if code != 4 {
		t.Fatalf("exit code = %d, want 4", code)
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("abcdef", 3); got != "abc\n... (truncated)" {
		t.Fatalf("truncate = %q", got)
	}
}
