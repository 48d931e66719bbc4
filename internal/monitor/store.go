package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBPath = "~/.agtools/monitor.db"

var errDaysOutOfRange = errors.New("days must be > 0")

// Store persists request logs so other processes can read them.
type Store interface {
	Insert(ctx context.Context, entry RequestLog) error
	RecentLogs(ctx context.Context, limit int) ([]RequestLog, error)
	Stats(ctx context.Context) (Stats, error)
	Clear(ctx context.Context) error
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	Close() error
}

// NewStore opens (creating if needed) the SQLite-backed request log
// store. An empty path uses ~/.agtools/monitor.db.
func NewStore(dbPath string) (Store, error) {
	resolved, err := resolvePath(dbPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	// WAL lets the CLI read while the server holds the write side.
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &store{db: db, dbPath: resolved}, nil
}

type store struct {
	db     *sql.DB
	dbPath string
}

func resolvePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = defaultDBPath
	}
	if strings.HasPrefix(p, "~/") || p == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home dir: %w", err)
		}
		if p == "~" {
			p = home
		} else {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Clean(p), nil
}

func (s *store) Insert(ctx context.Context, entry RequestLog) error {
	if entry.ID == "" {
		return errors.New("entry id is required")
	}
	ts := entry.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (
			id, ts, method, path, protocol, model, mapped_model,
			account_email, status, duration_ms, input_tokens, output_tokens, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, entry.ID, ts.UnixMilli(), entry.Method, entry.Path, entry.Protocol,
		entry.Model, entry.MappedModel, entry.AccountEmail, entry.Status,
		entry.DurationMs, entry.InputTokens, entry.OutputTokens, entry.Error)
	return err
}

func (s *store) RecentLogs(ctx context.Context, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, method, path, protocol, model, mapped_model,
			account_email, status, duration_ms, input_tokens, output_tokens, error
		FROM request_logs ORDER BY ts DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []RequestLog{}
	for rows.Next() {
		var e RequestLog
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Method, &e.Path, &e.Protocol, &e.Model,
			&e.MappedModel, &e.AccountEmail, &e.Status, &e.DurationMs,
			&e.InputTokens, &e.OutputTokens, &e.Error); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

func (s *store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByModel:   make(map[string]int64),
		ByAccount: make(map[string]int64),
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status < 400 AND error = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status >= 400 OR error != '' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0)
		FROM request_logs
	`)
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.ErrorCount,
		&stats.AvgDurationMs, &stats.TokensIn, &stats.TokensOut); err != nil {
		return Stats{}, err
	}

	if err := s.countsInto(ctx, stats.ByModel, "model"); err != nil {
		return Stats{}, err
	}
	if err := s.countsInto(ctx, stats.ByAccount, "account_email"); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (s *store) countsInto(ctx context.Context, dst map[string]int64, column string) error {
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM request_logs WHERE %s != '' GROUP BY %s
	`, column, column, column)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}

func (s *store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM request_logs")
	return err
}

func (s *store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errDaysOutOfRange
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_logs WHERE ts < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *store) Close() error {
	return s.db.Close()
}
