package commands

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const userCommandDelimiter = "---"

// UserCommand is a slash command defined by a markdown file under
// commands/<name>.md: YAML frontmatter declaring metadata and the tool
// allowlist, followed by the prompt body submitted as the user's turn when
// the command is invoked.
type UserCommand struct {
	Name         string
	Description  string
	AllowedTools []string
	Body         string
}

type userCommandFrontmatter struct {
	Description  string   `yaml:"description"`
	AllowedTools []string `yaml:"allowed-tools"`
}

// LoadUserCommands reads every *.md file directly under dir into a
// UserCommand. A missing directory is not an error; a malformed file is,
// naming the file.
func LoadUserCommands(dir string) ([]*UserCommand, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*UserCommand
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		cmd, err := ParseUserCommand(strings.TrimSuffix(e.Name(), ".md"), data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ParseUserCommand parses a command file's frontmatter and body. The
// frontmatter is optional: a file without one is all body.
func ParseUserCommand(name string, data []byte) (*UserCommand, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return nil, fmt.Errorf("command name is required")
	}

	cmd := &UserCommand{Name: name}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != userCommandDelimiter {
		cmd.Body = strings.TrimSpace(string(data))
		if cmd.Body == "" {
			return nil, fmt.Errorf("empty command body")
		}
		return cmd, nil
	}

	var fmLines []string
	foundClosing := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == userCommandDelimiter {
			foundClosing = true
			break
		}
		fmLines = append(fmLines, scanner.Text())
	}
	if !foundClosing {
		return nil, fmt.Errorf("missing closing frontmatter delimiter")
	}
	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	var fm userCommandFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(fmLines, "\n")), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	cmd.Description = fm.Description
	cmd.AllowedTools = fm.AllowedTools
	cmd.Body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	if cmd.Body == "" {
		return nil, fmt.Errorf("empty command body")
	}
	return cmd, nil
}

// Expand produces the prompt to submit for an invocation: $ARGUMENTS in
// the body is replaced with the invocation's argument text; a body without
// the placeholder gets the arguments appended as a trailing paragraph.
func (c *UserCommand) Expand(args string) string {
	args = strings.TrimSpace(args)
	if strings.Contains(c.Body, "$ARGUMENTS") {
		return strings.ReplaceAll(c.Body, "$ARGUMENTS", args)
	}
	if args == "" {
		return c.Body
	}
	return c.Body + "\n\n" + args
}

// RegisterUserCommands adds each user command to a registry. The handler
// does not run the prompt itself: it returns the expanded prompt text plus
// the declared tool allowlist under Data, and the surface that owns the
// registry (CLI REPL, gateway) submits it as a user turn with that policy.
func RegisterUserCommands(r *Registry, cmds []*UserCommand) error {
	for _, uc := range cmds {
		uc := uc
		err := r.Register(&Command{
			Name:        uc.Name,
			Description: uc.Description,
			Usage:       "/" + uc.Name + " [args]",
			AcceptsArgs: true,
			Category:    "user",
			Source:      "user",
			Handler: func(ctx context.Context, inv *Invocation) (*Result, error) {
				data := map[string]any{"action": ActionPrompt}
				if len(uc.AllowedTools) > 0 {
					data["allowed_tools"] = uc.AllowedTools
				}
				return &Result{Text: uc.Expand(inv.Args), Data: data}, nil
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
