package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseUserCommandWithFrontmatter(t *testing.T) {
	data := []byte(`---
description: Summarize the diff
allowed-tools:
  - read_file
  - exec
---
Summarize the current git diff.

$ARGUMENTS`)
	cmd, err := ParseUserCommand("Summarize", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Name != "summarize" {
		t.Errorf("name = %q, want summarize", cmd.Name)
	}
	if cmd.Description != "Summarize the diff" {
		t.Errorf("description = %q", cmd.Description)
	}
	if len(cmd.AllowedTools) != 2 || cmd.AllowedTools[0] != "read_file" {
		t.Errorf("allowed tools = %v", cmd.AllowedTools)
	}
	expanded := cmd.Expand("focus on the tests")
	if expanded != "Summarize the current git diff.\n\nfocus on the tests" {
		t.Errorf("expand = %q", expanded)
	}
}

func TestParseUserCommandWithoutFrontmatter(t *testing.T) {
	cmd, err := ParseUserCommand("hi", []byte("Say hello.\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Body != "Say hello." {
		t.Errorf("body = %q", cmd.Body)
	}
	if got := cmd.Expand(""); got != "Say hello." {
		t.Errorf("expand = %q", got)
	}
	if got := cmd.Expand("loudly"); got != "Say hello.\n\nloudly" {
		t.Errorf("expand with args = %q", got)
	}
}

func TestParseUserCommandErrors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"unclosed frontmatter", "---\ndescription: x\n"},
		{"empty body", "---\ndescription: x\n---\n"},
	}
	for _, tc := range cases {
		if _, err := ParseUserCommand("cmd", []byte(tc.data)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestLoadAndRegisterUserCommands(t *testing.T) {
	dir := t.TempDir()
	content := `---
description: Review the code
allowed-tools: [read_file, grep]
---
Review $ARGUMENTS carefully.`
	if err := os.WriteFile(filepath.Join(dir, "review.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmds, err := LoadUserCommands(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("loaded %d commands, want 1", len(cmds))
	}

	reg := NewRegistry(slog.Default())
	if err := RegisterUserCommands(reg, cmds); err != nil {
		t.Fatalf("register: %v", err)
	}
	cmd, ok := reg.Get("review")
	if !ok {
		t.Fatal("review not registered")
	}
	res, err := cmd.Handler(context.Background(), &Invocation{Command: cmd, Name: "review", Args: "internal/agent"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if res.Text != "Review internal/agent carefully." {
		t.Errorf("text = %q", res.Text)
	}
	tools, _ := res.Data["allowed_tools"].([]string)
	if len(tools) != 2 {
		t.Errorf("allowed_tools = %v", res.Data["allowed_tools"])
	}
}

func TestLoadUserCommandsMissingDir(t *testing.T) {
	cmds, err := LoadUserCommands(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if cmds != nil {
		t.Errorf("expected nil, got %v", cmds)
	}
}
