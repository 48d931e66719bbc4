package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"agtools/internal/monitor"
)

func seedMonitorStore(t *testing.T) monitor.Store {
	t.Helper()
	store, err := monitor.NewStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	entries := []monitor.RequestLog{
		{
			ID: "req-1", Time: time.Now(), Method: "POST", Path: "/v1/chat/completions",
			Protocol: "openai", Model: "gpt-4o", MappedModel: "gemini-2.5-pro",
			AccountEmail: "alice@example.com", Status: 200, DurationMs: 420,
			InputTokens: 12, OutputTokens: 34,
		},
		{
			ID: "req-2", Time: time.Now(), Method: "POST", Path: "/v1/messages",
			Protocol: "anthropic", Model: "claude-sonnet-4-5", MappedModel: "claude-sonnet-4-5",
			AccountEmail: "bob@example.com", Status: 429, DurationMs: 15,
			Error: "rate limited",
		},
	}
	for _, entry := range entries {
		if err := store.Insert(context.Background(), entry); err != nil {
			t.Fatalf("failed to insert %s: %v", entry.ID, err)
		}
	}
	return store
}

func TestMonitorStats(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()
	store := seedMonitorStore(t)

	output := captureOutput(t, func() {
		if err := printMonitorStats(context.Background(), store); err != nil {
			t.Fatalf("stats failed: %v", err)
		}
	})

	if !strings.Contains(output, "Total requests: 2") {
		t.Fatalf("expected totals, got: %s", output)
	}
	if !strings.Contains(output, "gpt-4o") || !strings.Contains(output, "alice@example.com") {
		t.Fatalf("expected per-model and per-account counts, got: %s", output)
	}
}

func TestMonitorLogs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()
	store := seedMonitorStore(t)

	output := captureOutput(t, func() {
		if err := printMonitorLogs(context.Background(), store, 10); err != nil {
			t.Fatalf("logs failed: %v", err)
		}
	})

	if !strings.Contains(output, "gemini-2.5-pro") {
		t.Fatalf("expected mapped model column, got: %s", output)
	}
	if !strings.Contains(output, "429") {
		t.Fatalf("expected failed status, got: %s", output)
	}
	if !strings.Contains(output, "12/34") {
		t.Fatalf("expected token column, got: %s", output)
	}
}

func TestMonitorLogsEmpty(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()

	store, err := monitor.NewStore("")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	output := captureOutput(t, func() {
		if err := printMonitorLogs(context.Background(), store, 10); err != nil {
			t.Fatalf("logs failed: %v", err)
		}
	})
	if !strings.Contains(output, "No requests recorded") {
		t.Fatalf("expected empty message, got: %s", output)
	}
}

func TestMonitorClear(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	logger = zap.NewNop()
	seedMonitorStore(t)

	monitorClear = true
	defer func() { monitorClear = false }()

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	output := captureOutput(t, func() {
		if err := runMonitor(cmd, nil); err != nil {
			t.Fatalf("monitor --clear failed: %v", err)
		}
	})
	if !strings.Contains(output, "Request history cleared") {
		t.Fatalf("expected clear confirmation, got: %s", output)
	}

	store, err := monitor.NewStore("")
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store.Close()
	logs, err := store.RecentLogs(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected empty history after clear, got %d rows", len(logs))
	}
}
