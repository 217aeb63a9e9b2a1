package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRego(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEngineModeOffAlwaysAllows(t *testing.T) {
	e, err := New(context.Background(), "", ModeOff, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.Evaluate(context.Background(), Input{Operation: "tool_call", ToolName: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Deny {
		t.Fatal("ModeOff must never deny")
	}
}

func TestEngineEmptyDirAllows(t *testing.T) {
	dir := t.TempDir()
	e, err := New(context.Background(), dir, ModeEnforce, nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := e.Evaluate(context.Background(), Input{Operation: "tool_call", ToolName: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if v.Deny {
		t.Fatal("no rules loaded must default to allow")
	}
}

func TestEngineDeniesShellTool(t *testing.T) {
	dir := t.TempDir()
	writeRego(t, dir, "deny_shell.rego", `
package guard.rules

default deny = false
default require_approval = false
default reason = ""

deny {
	input.operation == "tool_call"
	input.tool_name == "shell"
}

reason = "shell tool denied by overlay" {
	deny
}
`)

	e, err := New(context.Background(), dir, ModeEnforce, nil)
	if err != nil {
		t.Fatal(err)
	}

	v, err := e.Evaluate(context.Background(), Input{Operation: "tool_call", ToolName: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if !v.Deny {
		t.Fatal("expected shell tool call to be denied")
	}
	if v.Reason == "" {
		t.Fatal("expected a reason for the denial")
	}

	v2, err := e.Evaluate(context.Background(), Input{Operation: "tool_call", ToolName: "http_fetch"})
	if err != nil {
		t.Fatal(err)
	}
	if v2.Deny {
		t.Fatal("other tools must not be denied")
	}
}

func TestDecisionCacheEvictsOldest(t *testing.T) {
	c := newDecisionCache(2, time.Hour)
	c.put("a", Verdict{Reason: "a"})
	c.put("b", Verdict{Reason: "b"})
	c.put("c", Verdict{Reason: "c"})

	if _, ok := c.get("a"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected newest entry to still be cached")
	}
}
