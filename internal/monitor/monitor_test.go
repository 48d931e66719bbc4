package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRecordAndLogs(t *testing.T) {
	m := New(nil, true, nil)

	for i := 0; i < 3; i++ {
		m.Record(RequestLog{
			Method:   "POST",
			Path:     "/v1/chat/completions",
			Protocol: "openai",
			Model:    fmt.Sprintf("model-%d", i),
			Status:   200,
		})
	}

	logs := m.Logs(0)
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].Model != "model-2" || logs[2].Model != "model-0" {
		t.Fatalf("expected newest first, got %s .. %s", logs[0].Model, logs[2].Model)
	}
	for _, e := range logs {
		if e.ID == "" {
			t.Fatalf("expected generated id, got empty")
		}
		if e.Time.IsZero() {
			t.Fatalf("expected filled timestamp")
		}
	}

	if got := m.Logs(2); len(got) != 2 {
		t.Fatalf("expected limit to apply, got %d logs", len(got))
	}
}

func TestRecordRespectsEnabledFlag(t *testing.T) {
	m := New(nil, false, nil)

	m.Record(RequestLog{Method: "POST", Path: "/v1/messages", Protocol: "anthropic", Status: 200})
	if got := m.Logs(0); len(got) != 0 {
		t.Fatalf("expected no logs while disabled, got %d", len(got))
	}
	if m.Enabled() {
		t.Fatalf("expected Enabled to report false")
	}

	m.SetEnabled(true)
	m.Record(RequestLog{Method: "POST", Path: "/v1/messages", Protocol: "anthropic", Status: 200})
	if got := m.Logs(0); len(got) != 1 {
		t.Fatalf("expected 1 log after enabling, got %d", len(got))
	}
}

func TestRingWraps(t *testing.T) {
	m := New(nil, true, nil)

	for i := 0; i < ringSize+5; i++ {
		m.Record(RequestLog{
			Method:   "POST",
			Path:     "/v1/chat/completions",
			Protocol: "openai",
			Model:    fmt.Sprintf("model-%d", i),
			Status:   200,
		})
	}

	logs := m.Logs(0)
	if len(logs) != ringSize {
		t.Fatalf("expected ring to cap at %d, got %d", ringSize, len(logs))
	}
	if logs[0].Model != fmt.Sprintf("model-%d", ringSize+4) {
		t.Fatalf("unexpected newest entry: %s", logs[0].Model)
	}
	if logs[len(logs)-1].Model != "model-5" {
		t.Fatalf("unexpected oldest entry: %s", logs[len(logs)-1].Model)
	}
}

func TestStatsOverRing(t *testing.T) {
	m := New(nil, true, nil)

	m.Record(RequestLog{Model: "claude-sonnet-4-5", AccountEmail: "alice@example.com",
		Status: 200, DurationMs: 80, InputTokens: 10, OutputTokens: 30})
	m.Record(RequestLog{Model: "claude-sonnet-4-5", AccountEmail: "bob@example.com",
		Status: 500, DurationMs: 40, Error: "upstream failure"})
	m.Record(RequestLog{Model: "gemini-3-flash", AccountEmail: "alice@example.com",
		Status: 200, DurationMs: 60, InputTokens: 4, OutputTokens: 6})

	stats := m.Stats()
	if stats.TotalRequests != 3 || stats.SuccessCount != 2 || stats.ErrorCount != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.AvgDurationMs != 60 {
		t.Fatalf("expected avg duration 60, got %v", stats.AvgDurationMs)
	}
	if stats.TokensIn != 14 || stats.TokensOut != 36 {
		t.Fatalf("unexpected tokens: in=%d out=%d", stats.TokensIn, stats.TokensOut)
	}
	if stats.ByModel["claude-sonnet-4-5"] != 2 || stats.ByModel["gemini-3-flash"] != 1 {
		t.Fatalf("unexpected by-model counts: %v", stats.ByModel)
	}
	if stats.ByAccount["alice@example.com"] != 2 {
		t.Fatalf("unexpected by-account counts: %v", stats.ByAccount)
	}
}

func TestStatsEmptyRing(t *testing.T) {
	m := New(nil, true, nil)
	stats := m.Stats()
	if stats.TotalRequests != 0 || stats.AvgDurationMs != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
	if stats.ByModel == nil || stats.ByAccount == nil {
		t.Fatalf("expected initialized maps")
	}
}

func TestRecordConcurrent(t *testing.T) {
	m := New(nil, true, nil)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				m.Record(RequestLog{Method: "POST", Path: "/v1/messages", Protocol: "anthropic", Status: 200})
			}
		}()
	}
	wg.Wait()

	if stats := m.Stats(); stats.TotalRequests != 200 {
		t.Fatalf("expected 200 recorded entries, got %d", stats.TotalRequests)
	}
}

func TestMonitorMirrorsToStore(t *testing.T) {
	st := newTestStore(t)
	m := New(st, true, nil)
	ctx := context.Background()

	m.Record(RequestLog{ID: "mirrored", Method: "POST", Path: "/v1/messages", Protocol: "anthropic",
		Model: "claude-sonnet-4-5", Status: 200})

	logs, err := st.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].ID != "mirrored" {
		t.Fatalf("expected mirrored entry in store, got %+v", logs)
	}

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := m.Logs(0); len(got) != 0 {
		t.Fatalf("expected empty ring after clear, got %d", len(got))
	}
	logs, err = st.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLogs after clear failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected empty store after clear, got %d", len(logs))
	}
}

func TestPurgeTrimsRingAndStore(t *testing.T) {
	st := newTestStore(t)
	m := New(st, true, nil)
	ctx := context.Background()

	m.Record(RequestLog{ID: "old", Time: time.Now().AddDate(0, 0, -10),
		Method: "POST", Path: "/v1/messages", Protocol: "anthropic", Status: 200})
	m.Record(RequestLog{ID: "fresh", Method: "POST", Path: "/v1/messages", Protocol: "anthropic", Status: 200})

	removed, err := m.PurgeOlderThan(ctx, 7)
	if err != nil {
		t.Fatalf("PurgeOlderThan failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged row, got %d", removed)
	}

	logs := m.Logs(0)
	if len(logs) != 1 || logs[0].ID != "fresh" {
		t.Fatalf("unexpected ring contents after purge: %+v", logs)
	}

	if _, err := m.PurgeOlderThan(ctx, -1); err == nil {
		t.Fatalf("expected error for invalid purge days")
	}
}
