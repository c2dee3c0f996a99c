package files

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jgarzik/brainpro/internal/policy"
)

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute path within the workspace root, following
// symlinks. It returns policy.ErrOutsideRoot (wrapped) if path, once
// symlinks are followed, escapes the root — the invariant every file tool
// must enforce regardless of policy rule configuration.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	resolved, err := policy.ResolveProjectPath(root, clean)
	if err != nil {
		if errors.Is(err, policy.ErrOutsideRoot) {
			return "", fmt.Errorf("path escapes workspace: %w", err)
		}
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return resolved, nil
}
