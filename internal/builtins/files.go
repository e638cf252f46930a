package builtins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kwall/drover/internal/tool"
)

// readMaxBytes caps a single read_file result.
const readMaxBytes = 50 * 1024

// Workspace provides file tools confined to a directory. Paths that
// resolve outside the workspace are rejected before any filesystem
// access happens.
type Workspace struct {
	dir string
}

// NewWorkspace creates file tools rooted at dir.
func NewWorkspace(dir string) *Workspace {
	return &Workspace{dir: dir}
}

// resolve turns a tool-supplied path into an absolute path inside the
// workspace, rejecting escapes.
func (w *Workspace) resolve(path string) (string, error) {
	if w.dir == "" {
		return "", fmt.Errorf("workspace not configured")
	}

	root, err := filepath.Abs(w.dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Clean(filepath.Join(root, path))
	}

	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}

// ReadFile returns file contents, optionally windowed by 1-indexed
// line offset and line limit.
func (w *Workspace) ReadFile(path string, offset, limit int) (string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	if len(content) > readMaxBytes {
		content = content[:readMaxBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// WriteFile writes content to a file, creating parent directories.
func (w *Workspace) WriteFile(path, content string) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// EditFile replaces one occurrence of oldText with newText. The match
// must be unique so edits cannot land in the wrong place.
func (w *Workspace) EditFile(path, oldText, newText string) error {
	abs, err := w.resolve(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case n == 0:
		if len(oldText) > 100 {
			return fmt.Errorf("old text not found in file (first 100 chars: %q...)", oldText[:100])
		}
		return fmt.Errorf("old text not found in file: %q", oldText)
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique for safe editing", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// ListDir lists directory entries, marking subdirectories with a
// trailing slash.
func (w *Workspace) ListDir(path string) ([]string, error) {
	abs, err := w.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// Register adds read_file, write_file, edit_file, and list_dir to reg.
func (w *Workspace) Register(reg *tool.Registry) error {
	tools := []struct {
		def     tool.Definition
		handler tool.Handler
	}{
		{
			def: tool.Definition{
				Name:        "read_file",
				Description: "Read a file from the workspace. Supports line offset and limit for large files.",
				Category:    tool.CategoryFilesystem,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":   map[string]any{"type": "string", "description": "Path relative to the workspace root."},
						"offset": map[string]any{"type": "integer", "description": "1-indexed first line to return."},
						"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return."},
					},
					"required": []string{"path"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				offset := intArg(args, "offset")
				limit := intArg(args, "limit")
				return w.ReadFile(path, offset, limit)
			},
		},
		{
			def: tool.Definition{
				Name:        "write_file",
				Description: "Write content to a file in the workspace, creating directories as needed.",
				Category:    tool.CategoryFilesystem,
				Dangerous:   true,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root."},
						"content": map[string]any{"type": "string", "description": "Full file content to write."},
					},
					"required": []string{"path", "content"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				if err := w.WriteFile(path, content); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
			},
		},
		{
			def: tool.Definition{
				Name:        "edit_file",
				Description: "Replace a unique text fragment in a workspace file.",
				Category:    tool.CategoryFilesystem,
				Dangerous:   true,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":     map[string]any{"type": "string", "description": "Path relative to the workspace root."},
						"old_text": map[string]any{"type": "string", "description": "Exact text to replace. Must appear exactly once."},
						"new_text": map[string]any{"type": "string", "description": "Replacement text."},
					},
					"required": []string{"path", "old_text", "new_text"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				oldText, _ := args["old_text"].(string)
				newText, _ := args["new_text"].(string)
				if err := w.EditFile(path, oldText, newText); err != nil {
					return "", err
				}
				return fmt.Sprintf("edited %s", path), nil
			},
		},
		{
			def: tool.Definition{
				Name:        "list_dir",
				Description: "List the entries of a workspace directory.",
				Category:    tool.CategoryFilesystem,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Path relative to the workspace root. Use \".\" for the root."},
					},
					"required": []string{"path"},
				},
			},
			handler: func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				names, err := w.ListDir(path)
				if err != nil {
					return "", err
				}
				if len(names) == 0 {
					return "(empty directory)", nil
				}
				return strings.Join(names, "\n"), nil
			},
		},
	}

	for _, t := range tools {
		if err := reg.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

// intArg reads an integer tool argument; JSON numbers arrive as
// float64.
func intArg(args map[string]any, key string) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return 0
}
