package files

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jgarzik/brainpro/internal/agent"
)

// GrepTool searches file contents under the workspace root by regular
// expression.
type GrepTool struct {
	resolver Resolver
	maxHits  int
}

// NewGrepTool creates a grep tool scoped to the workspace.
func NewGrepTool(cfg Config) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: cfg.Workspace}, maxHits: 300}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents under the workspace for a regular expression, returning matching lines."
}

func (t *GrepTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Regular expression (RE2 syntax) to search for.",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory or file to search (default: workspace root).",
			},
			"glob": map[string]interface{}{
				"type":        "string",
				"description": "Restrict the search to files matching this glob (e.g. *.go).",
			},
			"case_insensitive": map[string]interface{}{
				"type":        "boolean",
				"description": "Match case-insensitively.",
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

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		Glob            string `json:"glob"`
		CaseInsensitive bool   `json:"case_insensitive"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Pattern) == "" {
		return toolError("pattern is required"), nil
	}

	exprSrc := input.Pattern
	if input.CaseInsensitive {
		exprSrc = "(?i)" + exprSrc
	}
	expr, err := regexp.Compile(exprSrc)
	if err != nil {
		return toolError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	base := "."
	if strings.TrimSpace(input.Path) != "" {
		base = input.Path
	}
	root, err := t.resolver.Resolve(base)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var matches []grepMatch
	truncated := false
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
		if truncated {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if input.Glob != "" {
			if matched, _ := matchGlob(input.Glob, rel); !matched {
				return nil
			}
		}
		if isBinaryExt(p) {
			return nil
		}
		file, openErr := os.Open(p)
		if openErr != nil {
			return nil
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if expr.MatchString(line) {
				matches = append(matches, grepMatch{Path: rel, Line: lineNo, Text: line})
				if len(matches) >= t.maxHits {
					truncated = true
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("walk: %v", walkErr)), nil
	}

	result := map[string]interface{}{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

var binaryExts = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".pdf": {}, ".zip": {},
	".tar": {}, ".gz": {}, ".exe": {}, ".bin": {}, ".so": {}, ".dylib": {},
}

func isBinaryExt(path string) bool {
	_, ok := binaryExts[strings.ToLower(filepath.Ext(path))]
	return ok
}
