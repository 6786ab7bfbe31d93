package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q

[listing]
base_url = "http://listing.test"

[tagging]
base_url = "http://tagging.test"

[lookalike]
base_url = "http://lookalike.test"

[similarity]
base_url = "http://similarity.test"
`, filepath.Join(dir, "data"), filepath.Join(dir, "logs"))

	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestAddEnqueuesAndStatusReports(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out := runCommand(t, "--config", cfgPath, "add", "-m", "poshmark", "item-1", "item-2")
	if !strings.Contains(out, "enqueued poshmark/item-1") {
		t.Fatalf("unexpected add output:\n%s", out)
	}

	// Re-adding reuses the open tasks.
	out = runCommand(t, "--config", cfgPath, "add", "-m", "poshmark", "item-1")
	if !strings.Contains(out, "already has open task") {
		t.Fatalf("unexpected duplicate add output:\n%s", out)
	}

	out = runCommand(t, "--config", cfgPath, "status")
	if !strings.Contains(out, "ingest") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
	if !strings.Contains(out, "clusters: 0") {
		t.Fatalf("expected empty cluster count:\n%s", out)
	}
}

func TestProductLookupReportsMissing(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "product", "-m", "poshmark", "ghost"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected a not-found error, got %v", err)
	}
}

func TestDLQListEmpty(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out := runCommand(t, "--config", cfgPath, "dlq", "list")
	if !strings.Contains(out, "dead-letter queue is empty") {
		t.Fatalf("unexpected dlq output:\n%s", out)
	}
}

func TestConfigInitRefusesToOverwrite(t *testing.T) {
	cfgPath := writeTestConfig(t)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "config", "init"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without --force")
	}

	runCommand(t, "--config", cfgPath, "config", "init", "--force")
}
