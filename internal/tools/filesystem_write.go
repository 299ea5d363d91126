package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileTool writes content to a file inside a channel's workspace
// directory, refusing to write outside it or into denied subpaths (e.g. the
// channel's own .mux bootstrap directory).
type WriteFileTool struct {
	workspace      string
	restrict       bool
	deniedPrefixes []string
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

// DenyPaths adds path prefixes (relative to workspace) that write_file must
// reject.
func (t *WriteFileTool) DenyPaths(prefixes ...string) {
	t.deniedPrefixes = append(t.deniedPrefixes, prefixes...)
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating directories as needed" }

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to the file to write, relative to the workspace"},
			"content": map[string]interface{}{"type": "string", "description": "Content to write"},
			"deliver": map[string]interface{}{"type": "boolean", "description": "If true, deliver this file to the user as an attachment"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	deliver, _ := args["deliver"].(bool)
	if path == "" {
		return ErrorResult("path is required")
	}

	resolved, err := resolvePath(path, t.workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := checkDeniedPath(resolved, t.workspace, t.deniedPrefixes); err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}

	result := SilentResult(fmt.Sprintf("File written: %s (%d bytes)", path, len(content)))
	if deliver {
		result.Media = []string{resolved}
	}
	return result
}

// resolvePath joins path onto workspace. When restrict is true it refuses
// any path that escapes the workspace after joining (no absolute paths, no
// ../ traversal past the root).
func resolvePath(path, workspace string, restrict bool) (string, error) {
	if !restrict {
		if filepath.IsAbs(path) {
			return filepath.Clean(path), nil
		}
		return filepath.Join(workspace, path), nil
	}
	joined := filepath.Join(workspace, path)
	rel, err := filepath.Rel(workspace, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return joined, nil
}

func checkDeniedPath(resolved, workspace string, deniedPrefixes []string) error {
	rel, err := filepath.Rel(workspace, resolved)
	if err != nil {
		return nil
	}
	for _, p := range deniedPrefixes {
		if rel == p || strings.HasPrefix(rel, p+string(filepath.Separator)) {
			return fmt.Errorf("path is denied: %s", rel)
		}
	}
	return nil
}
