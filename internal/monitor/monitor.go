// Package monitor records proxy request activity. Entries live in an
// in-memory ring for the running server and are mirrored to a SQLite
// store so the CLI and dashboard can read them from another process.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ringSize caps the in-memory history; older entries fall off.
const ringSize = 1000

// RequestLog is one proxied request as seen by the monitor.
type RequestLog struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Model        string    `json:"model"`
	MappedModel  string    `json:"mapped_model"`
	AccountEmail string    `json:"account_email"`
	Status       int       `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Error        string    `json:"error,omitempty"`
}

// Succeeded reports whether the request completed without an upstream
// or translation failure.
func (r RequestLog) Succeeded() bool {
	return r.Status < 400 && r.Error == ""
}

// Stats aggregates the entries currently held in the ring.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	SuccessCount  int64            `json:"success_count"`
	ErrorCount    int64            `json:"error_count"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
	ByModel       map[string]int64 `json:"by_model"`
	ByAccount     map[string]int64 `json:"by_account"`
	TokensIn      int64            `json:"tokens_in"`
	TokensOut     int64            `json:"tokens_out"`
}

// Monitor keeps the recent request history for a running server.
type Monitor struct {
	mu      sync.RWMutex
	ring    [ringSize]RequestLog
	next    int
	count   int
	enabled bool
	store   Store
	logger  *zap.Logger
}

// New creates a monitor. store may be nil, in which case entries are
// kept only in memory.
func New(store Store, enabled bool, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		enabled: enabled,
		store:   store,
		logger:  logger,
	}
}

// Enabled reports whether recording is on.
func (m *Monitor) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetEnabled flips recording, used when the config reloads.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()
}

// Record stores one entry in the ring and mirrors it to the store.
// Missing IDs and timestamps are filled in. No-op while disabled.
func (m *Monitor) Record(entry RequestLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.ring[m.next] = entry
	m.next = (m.next + 1) % ringSize
	if m.count < ringSize {
		m.count++
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	// The request context may already be canceled by the time the
	// handler records the entry, so the insert gets its own.
	if err := m.store.Insert(context.Background(), entry); err != nil {
		m.logger.Warn("failed to persist request log", zap.String("id", entry.ID), zap.Error(err))
	}
}

// Logs returns up to limit entries, newest first. limit <= 0 returns
// the whole ring.
func (m *Monitor) Logs(limit int) []RequestLog {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RequestLog, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + ringSize) % ringSize
		out = append(out, m.ring[idx])
	}
	return out
}

// Stats aggregates over the entries currently in the ring.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ByModel:   make(map[string]int64),
		ByAccount: make(map[string]int64),
	}
	var totalDuration int64
	for i := 0; i < m.count; i++ {
		idx := (m.next - 1 - i + ringSize) % ringSize
		e := m.ring[idx]
		stats.TotalRequests++
		if e.Succeeded() {
			stats.SuccessCount++
		} else {
			stats.ErrorCount++
		}
		totalDuration += e.DurationMs
		stats.TokensIn += e.InputTokens
		stats.TokensOut += e.OutputTokens
		if e.Model != "" {
			stats.ByModel[e.Model]++
		}
		if e.AccountEmail != "" {
			stats.ByAccount[e.AccountEmail]++
		}
	}
	if stats.TotalRequests > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(stats.TotalRequests)
	}
	return stats
}

// Clear empties the ring and, when a store is attached, the table.
func (m *Monitor) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.next = 0
	m.count = 0
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.Clear(ctx)
}

// PurgeOlderThan drops persisted entries older than the given number of
// days and trims matching ring entries. Returns rows removed from the
// store.
func (m *Monitor) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errDaysOutOfRange
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	kept := make([]RequestLog, 0, m.count)
	for i := m.count; i >= 1; i-- {
		idx := (m.next - i + ringSize) % ringSize
		if m.ring[idx].Time.After(cutoff) {
			kept = append(kept, m.ring[idx])
		}
	}
	m.next = 0
	m.count = 0
	for _, e := range kept {
		m.ring[m.next] = e
		m.next = (m.next + 1) % ringSize
		m.count++
	}
	m.mu.Unlock()

	if m.store == nil {
		return 0, nil
	}
	return m.store.PurgeOlderThan(ctx, days)
}
