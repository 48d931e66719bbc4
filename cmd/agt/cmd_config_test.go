package main

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestConfigSetAndShow(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()

	if err := runConfigSet(&cobra.Command{}, []string{"proxy.port", "9090"}); err != nil {
		t.Fatalf("failed to set proxy.port: %v", err)
	}
	if err := runConfigSet(&cobra.Command{}, []string{"proxy.api_key", "super-secret-key-123"}); err != nil {
		t.Fatalf("failed to set proxy.api_key: %v", err)
	}

	output := captureOutput(t, func() {
		if err := runConfigShow(&cobra.Command{}, nil); err != nil {
			t.Fatalf("failed to show config: %v", err)
		}
	})

	if !strings.Contains(output, "9090") {
		t.Fatalf("expected updated port in output, got: %s", output)
	}
	if strings.Contains(output, "super-secret-key-123") {
		t.Fatalf("expected api key to be redacted, got: %s", output)
	}
	if !strings.Contains(output, "supe...-123") {
		t.Fatalf("expected masked api key, got: %s", output)
	}
}

func TestConfigSetUnknownKey(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()

	err := runConfigSet(&cobra.Command{}, []string{"proxy.bogus", "1"})
	if err == nil {
		t.Fatal("expected an error for an unknown key")
	}
	if !strings.Contains(err.Error(), "unknown config key") {
		t.Fatalf("unexpected error: %v", err)
	}
}
