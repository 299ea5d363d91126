package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

const fileSeparator = "\n\n---\n\n"

// BuildSystemPrompt assembles the direct-SDK backend's system prompt: a
// global persona file (if present at globalPath), followed by every present
// workspace bootstrap file, in standardFiles order, each joined by a
// horizontal-rule separator.
func BuildSystemPrompt(globalPath, workspaceDir, sessionKey string) string {
	var sections []string

	if globalPath != "" {
		if data, err := os.ReadFile(globalPath); err == nil {
			if s := strings.TrimSpace(string(data)); s != "" {
				sections = append(sections, s)
			}
		}
	}

	files := FilterForSession(LoadWorkspaceFiles(workspaceDir), sessionKey)
	for _, f := range files {
		if f.Missing {
			continue
		}
		content := strings.TrimSpace(f.Content)
		if content == "" {
			continue
		}
		sections = append(sections, "# "+f.Name+"\n\n"+content)
	}

	return strings.Join(sections, fileSeparator)
}

// DefaultGlobalPath returns the conventional per-user global system prompt
// path, "~/.mux/system.md", resolved against the caller's home directory.
func DefaultGlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mux", "system.md")
}
