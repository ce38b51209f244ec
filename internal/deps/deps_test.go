package deps

import (
	"os"
	"path/filepath"
	"testing"

	"bmh/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	notExec := filepath.Join(binDir, "plain")
	if err := os.WriteFile(notExec, script, 0o644); err != nil {
		t.Fatalf("write plain file: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Plain", Command: notExec},
		{Name: "Empty", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}

	if results[2].Available {
		t.Fatalf("expected non executable file to be unavailable")
	}
	if results[3].Available || results[3].Detail != "command not configured" {
		t.Fatalf("unexpected status for empty command: %#v", results[3])
	}
}

func TestRequirementsUseConfiguredLauncher(t *testing.T) {
	cfg := config.Default()
	cfg.DacTransmit.Launcher = "/opt/bmh/dactransmit.sh"

	reqs := Requirements(&cfg)
	if len(reqs) == 0 || reqs[0].Command != "/opt/bmh/dactransmit.sh" || reqs[0].Optional {
		t.Fatalf("expected required launcher first, got %#v", reqs)
	}
}

func TestMissingSkipsOptional(t *testing.T) {
	statuses := []Status{
		{Name: "launcher", Available: false},
		{Name: "java", Available: false, Optional: true},
		{Name: "ok", Available: true},
	}
	missing := Missing(statuses)
	if len(missing) != 1 || missing[0].Name != "launcher" {
		t.Fatalf("unexpected missing set %#v", missing)
	}
}
