package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"agentd/internal/domain"
)

// errOutsideWorkspace marks a path that escapes the workspace root.
var errOutsideWorkspace = errors.New("path is outside the workspace")

const (
	// maxWriteBytes caps a single write.
	maxWriteBytes = 1 << 20
	// maxReadBytes caps what one read returns to the model.
	maxReadBytes = 256 << 10
)

// WorkspaceTool provides file read/write/list operations confined to a root directory.
type WorkspaceTool struct {
	files   FileStore
	root    string // absolute, symlink-resolved
	logger  *slog.Logger
}

// NewWorkspaceTool creates a workspace tool rooted at root, which must be an
// existing directory.
func NewWorkspaceTool(files FileStore, root string, logger *slog.Logger) (*WorkspaceTool, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for workspace root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", resolved)
	}
	return &WorkspaceTool{files: files, root: resolved, logger: logger}, nil
}

func (t *WorkspaceTool) Name() string { return "workspace" }
func (t *WorkspaceTool) Description() string {
	return "Read, write, and list files within the agent workspace"
}

func (t *WorkspaceTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "list"], "description": "The file operation to perform"},
				"path": {"type": "string", "description": "File or directory path relative to the workspace"},
				"content": {"type": "string", "description": "Content to write (only for write action)"}
			},
			"required": ["action"],
			"additionalProperties": false
		}`),
	}
}

type workspaceParams struct {
	Action  string `json:"action"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (t *WorkspaceTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.workspace", t.logger, params,
		Dispatch(func(p workspaceParams) string { return p.Action }, ActionMap[workspaceParams]{
			"read":  t.readFile,
			"write": t.writeFile,
			"list":  t.listDir,
		}),
	)
}

// resolvePath maps a requested path into the workspace. Symlinks are resolved
// after the absolute path is computed; a path that does not exist yet is
// checked through its nearest existing ancestor.
func (t *WorkspaceTool) resolvePath(path string) (string, error) {
	if path == "" || path == "." {
		return t.root, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errOutsideWorkspace, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if resolved, err = resolveMissing(abs); err != nil {
			return "", fmt.Errorf("%w: %v", errOutsideWorkspace, err)
		}
	}

	if resolved != t.root && !strings.HasPrefix(resolved, t.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", errOutsideWorkspace, path)
	}
	return resolved, nil
}

// resolveMissing resolves the deepest existing ancestor of a clean absolute
// path and appends the components that do not exist yet.
func resolveMissing(path string) (string, error) {
	var rest []string
	dir := path
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", path)
		}
		rest = append(rest, filepath.Base(dir))
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			slices.Reverse(rest)
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		dir = parent
	}
}

func (t *WorkspaceTool) readFile(_ context.Context, p workspaceParams) (any, error) {
	if err := Required("path", p.Path); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return ErrResult(domain.ToolErrNotAllowed, "%v", err), nil
	}

	data, truncated, err := t.files.ReadFile(resolved, maxReadBytes)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	t.logger.Debug("workspace read", "path", resolved, "size", len(data), "truncated", truncated)
	if truncated {
		return TextResult(string(data) + fmt.Sprintf("\n[truncated at %d bytes]", maxReadBytes)), nil
	}
	return TextResult(string(data)), nil
}

func (t *WorkspaceTool) writeFile(_ context.Context, p workspaceParams) (any, error) {
	if err := Check(
		Required("path", p.Path),
		MaxLen("content", p.Content, maxWriteBytes),
	); err != nil {
		return nil, err
	}
	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return ErrResult(domain.ToolErrNotAllowed, "%v", err), nil
	}

	if err := t.files.WriteFile(resolved, []byte(p.Content)); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	t.logger.Debug("workspace write", "path", resolved, "size", len(p.Content))
	return &domain.ToolResult{
		Success: true,
		Payload: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path),
		SideEffects: []domain.SideEffect{{
			Kind:   domain.SideEffectFileWrite,
			Target: resolved,
			Detail: fmt.Sprintf("%d bytes", len(p.Content)),
		}},
	}, nil
}

func (t *WorkspaceTool) listDir(_ context.Context, p workspaceParams) (any, error) {
	resolved, err := t.resolvePath(p.Path)
	if err != nil {
		return ErrResult(domain.ToolErrNotAllowed, "%v", err), nil
	}

	entries, err := t.files.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list dir: %w", err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
		} else {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
		}
	}

	return TextResult(sb.String()), nil
}
