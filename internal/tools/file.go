package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxReadBytes   = 100 * 1024 // 100KB
	maxListEntries = 200
)

// Workspace confines the file and shell tools to one directory tree.
type Workspace struct {
	Root string
	// Executor runs exec commands; nil uses HostExecutor.
	Executor Executor
}

// Tools returns the workspace tools: read_file, list_directory, write_file,
// edit_file and exec.
func (w Workspace) Tools() []Tool {
	pathParam := map[string]any{"type": "string", "description": "Path relative to the workspace root."}
	return []Tool{
		FromStructured("read_file",
			"Read the contents of a file. Returns the file content as text. Maximum 100KB.",
			map[string]any{"type": "object", "properties": map[string]any{"path": pathParam}, "required": []any{"path"}},
			w.readFile, WithPermission(w.pathPermission("read"))),
		FromJSON("list_directory",
			"List the contents of a directory. Returns names, types and sizes. Maximum 200 entries.",
			map[string]any{"type": "object", "properties": map[string]any{"path": pathParam}},
			w.listDirectory, WithPermission(w.pathPermission("read"))),
		FromStructured("write_file",
			"Write content to a file, creating parent directories as needed. The write is atomic.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathParam,
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			},
			w.writeFile, WithPermission(w.pathPermission("edit"))),
		FromStructured("edit_file",
			"Edit a file by replacing old_text with new_text. old_text must appear exactly once.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":     pathParam,
					"old_text": map[string]any{"type": "string", "minLength": 1},
					"new_text": map[string]any{"type": "string"},
				},
				"required": []any{"path", "old_text", "new_text"},
			},
			w.editFile, WithPermission(w.pathPermission("edit"))),
		w.shellTool(),
	}
}

// resolve maps a model-supplied path to an absolute path inside Root.
// Symlinks in the parent directory are resolved so they cannot escape.
func (w Workspace) resolve(raw string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if raw == "" {
		raw = "."
	}
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	// The parent may not exist yet for write_file.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		p = filepath.Join(dir, filepath.Base(p))
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", raw)
	}
	return p, nil
}

func (w Workspace) pathPermission(perm string) func(map[string]any) (string, string) {
	return func(args map[string]any) (string, string) {
		p, _ := args["path"].(string)
		if p == "" {
			p = "."
		}
		return perm, filepath.ToSlash(filepath.Clean(p))
	}
}

func (w Workspace) readFile(_ context.Context, args map[string]any) (Structured, error) {
	resolved, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return Structured{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Structured{}, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return Structured{}, errors.New("path is a directory, use list_directory instead")
	}
	if info.Size() > maxReadBytes {
		return Structured{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Structured{}, fmt.Errorf("read: %w", err)
	}
	return Structured{Output: string(data), Metadata: map[string]any{"path": resolved, "size": info.Size()}}, nil
}

type dirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

func (w Workspace) listDirectory(_ context.Context, args map[string]any) (any, error) {
	resolved, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	out := make([]dirEntry, 0, min(len(entries), maxListEntries))
	for _, e := range entries[:min(len(entries), maxListEntries)] {
		var size int64
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		out = append(out, dirEntry{Name: e.Name(), IsDir: e.IsDir(), Size: size})
	}
	return map[string]any{"path": resolved, "entries": out, "truncated": len(entries) > maxListEntries}, nil
}

func (w Workspace) writeFile(_ context.Context, args map[string]any) (Structured, error) {
	resolved, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return Structured{}, err
	}
	content, _ := args["content"].(string)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Structured{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := atomicWrite(resolved, []byte(content)); err != nil {
		return Structured{}, err
	}
	return Structured{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), resolved),
		Metadata: map[string]any{"path": resolved, "size": len(content)},
	}, nil
}

func (w Workspace) editFile(_ context.Context, args map[string]any) (Structured, error) {
	resolved, err := w.resolve(stringArg(args, "path"))
	if err != nil {
		return Structured{}, err
	}
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Structured{}, fmt.Errorf("read: %w", err)
	}
	content := string(data)
	switch n := strings.Count(content, oldText); {
	case n == 0:
		return Structured{}, errors.New("old_text not found in file")
	case n > 1:
		return Structured{}, fmt.Errorf("old_text appears %d times (must be unique)", n)
	}
	if err := atomicWrite(resolved, []byte(strings.Replace(content, oldText, newText, 1))); err != nil {
		return Structured{}, err
	}
	return Structured{Output: "edited " + resolved, Metadata: map[string]any{"path": resolved}}, nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
