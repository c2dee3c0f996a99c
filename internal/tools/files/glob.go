package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jgarzik/brainpro/internal/agent"
)

// GlobTool finds files by name pattern under the workspace root.
type GlobTool struct {
	resolver Resolver
	maxHits  int
}

// NewGlobTool creates a glob tool scoped to the workspace.
func NewGlobTool(cfg Config) *GlobTool {
	return &GlobTool{resolver: Resolver{Root: cfg.Workspace}, maxHits: 500}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files under the workspace matching a glob pattern (e.g. **/*.go), sorted by modification time."
}

func (t *GlobTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern, relative to workspace or path. Supports ** for recursive matching.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search from (default: workspace root).",
			},
		},
		"required": []string{"pattern"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

type globHit struct {
	path    string
	modTime time.Time
}

func (t *GlobTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	pattern := strings.TrimSpace(input.Pattern)
	if pattern == "" {
		return toolError("pattern is required"), nil
	}

	base := "."
	if strings.TrimSpace(input.Path) != "" {
		base = input.Path
	}
	root, err := t.resolver.Resolve(base)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var hits []globHit
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		matched, matchErr := matchGlob(pattern, rel)
		if matchErr != nil {
			return matchErr
		}
		if !matched {
			return nil
		}
		info, infoErr := d.Info()
		modTime := time.Time{}
		if infoErr == nil {
			modTime = info.ModTime()
		}
		hits = append(hits, globHit{path: rel, modTime: modTime})
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("walk: %v", walkErr)), nil
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime.After(hits[j].modTime) })

	truncated := false
	if len(hits) > t.maxHits {
		hits = hits[:t.maxHits]
		truncated = true
	}

	paths := make([]string, 0, len(hits))
	for _, h := range hits {
		paths = append(paths, h.path)
	}

	result := map[string]interface{}{
		"matches":   paths,
		"count":     len(paths),
		"truncated": truncated,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// matchGlob matches rel against pattern, treating "**" as matching any
// number of path segments (including none) in addition to filepath.Match's
// single-segment "*" semantics.
func matchGlob(pattern, rel string) (bool, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Match(pattern, rel)
	}
	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], "/")
	suffix := strings.TrimPrefix(parts[1], "/")
	if prefix != "" && !strings.HasPrefix(rel, prefix) {
		return false, nil
	}
	remainder := strings.TrimPrefix(rel, prefix)
	remainder = strings.TrimPrefix(remainder, "/")
	if suffix == "" {
		return true, nil
	}
	segments := strings.Split(remainder, "/")
	for i := range segments {
		candidate := strings.Join(segments[i:], "/")
		if matched, err := filepath.Match(suffix, candidate); err == nil && matched {
			return true, nil
		}
	}
	return false, nil
}
