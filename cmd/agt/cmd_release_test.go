package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func writeChangelog(t *testing.T, dir, heading string) {
	t.Helper()
	body := "# Changelog\n\n" + heading + "\n\n- fixes\n"
	if err := os.WriteFile(filepath.Join(dir, "CHANGELOG.md"), []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write changelog: %v", err)
	}
}

func TestReleaseCheckPasses(t *testing.T) {
	logger = zap.NewNop()
	dir := t.TempDir()
	writeChangelog(t, dir, "## v1.2.3 - 2026-08-01")

	origDir, origVersion := releaseCheckDir, releaseCheckVersion
	releaseCheckDir, releaseCheckVersion = dir, "1.2.3"
	defer func() { releaseCheckDir, releaseCheckVersion = origDir, origVersion }()

	output := captureOutput(t, func() {
		if err := runReleaseCheck(&cobra.Command{}, nil); err != nil {
			t.Fatalf("release check failed: %v", err)
		}
	})
	if !strings.Contains(output, "Release check passed for 1.2.3") {
		t.Fatalf("expected pass banner, got: %s", output)
	}
}

func TestReleaseCheckFailsOnMismatch(t *testing.T) {
	logger = zap.NewNop()
	dir := t.TempDir()
	writeChangelog(t, dir, "## v1.0.0")

	origDir, origVersion := releaseCheckDir, releaseCheckVersion
	releaseCheckDir, releaseCheckVersion = dir, "2.0.0"
	defer func() { releaseCheckDir, releaseCheckVersion = origDir, origVersion }()

	var runErr error
	output := captureOutput(t, func() {
		runErr = runReleaseCheck(&cobra.Command{}, nil)
	})
	if runErr == nil {
		t.Fatal("expected an error when the changelog disagrees")
	}
	if !strings.Contains(output, "FAIL") {
		t.Fatalf("expected a FAIL row, got: %s", output)
	}
}

func TestReleaseCheckRejectsDevVersion(t *testing.T) {
	logger = zap.NewNop()

	origDir, origVersion := releaseCheckDir, releaseCheckVersion
	releaseCheckDir, releaseCheckVersion = t.TempDir(), "dev"
	defer func() { releaseCheckDir, releaseCheckVersion = origDir, origVersion }()

	output := captureOutput(t, func() {
		if err := runReleaseCheck(&cobra.Command{}, nil); err == nil {
			t.Fatal("expected dev to be unreleasable")
		}
	})
	if !strings.Contains(output, "not a releasable version") {
		t.Fatalf("expected format detail, got: %s", output)
	}
}
