// Package accounting persists the durable outcome of every request: one
// row in the request log plus the atomic credit debit against the user's
// balance. The log write is asynchronous and batched; the debit is
// synchronous because the balance gates admission of the next request.
package accounting

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/relaycore/ai-gateway/internal/domain"
)

// Row is one request-log record. RequestID is the dedup key: replaying a
// row for the same request id must not double-count.
type Row struct {
	RequestID     string
	UserID        string
	Endpoint      string
	Method        string
	Model         string
	ProviderID    string
	SubProviderID string
	Status        string
	StatusCode    int
	ErrorMessage  string
	RetryCount    int
	TokensUsed    int64
	CreditsUsed   int64
	CreditOverrun int64
	LatencyMs     int64
	ResponseBytes int64
	CreatedAt     time.Time
	CompletedAt   time.Time
}

// RowFrom builds a log row from a terminal request. overrun is the part of
// the final cost the balance could not cover.
func RowFrom(r *domain.ApiRequest, overrun int64) Row {
	return Row{
		RequestID:     r.ID,
		UserID:        r.UserID,
		Endpoint:      r.Endpoint,
		Method:        r.Method,
		Model:         r.Model,
		ProviderID:    r.ProviderID,
		SubProviderID: r.SubProviderID,
		Status:        string(r.Status),
		StatusCode:    r.StatusCode,
		ErrorMessage:  r.Error,
		RetryCount:    r.RetryCount,
		TokensUsed:    int64(r.Metrics.TokensUsed),
		CreditsUsed:   r.Metrics.CreditsUsed,
		CreditOverrun: overrun,
		LatencyMs:     r.Metrics.LatencyMs,
		ResponseBytes: int64(r.Metrics.ResponseBytes),
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// Sink receives batches of log rows.
type Sink interface {
	Name() string
	Write(ctx context.Context, rows []Row) error
	Close() error
}

// ClickHouseSink writes rows into a ReplacingMergeTree table keyed by
// request id, so retried batches collapse to one row per request.
type ClickHouseSink struct {
	db    *sql.DB
	table string
}

// NewClickHouseSink opens dsn, verifies connectivity, and creates the log
// table when it does not exist yet.
func NewClickHouseSink(ctx context.Context, dsn, table string) (*ClickHouseSink, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("accounting: open clickhouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("accounting: ping clickhouse: %w", err)
	}

	s := &ClickHouseSink{db: db, table: table}
	if err := s.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			request_id      String,
			user_id         String,
			endpoint        LowCardinality(String),
			method          LowCardinality(String),
			model           LowCardinality(String),
			provider_id     LowCardinality(String),
			sub_provider_id LowCardinality(String),
			status          LowCardinality(String),
			status_code     UInt16,
			error_message   String,
			retry_count     UInt8,
			tokens_used     UInt64,
			credits_used    UInt64,
			credit_overrun  UInt64,
			latency_ms      UInt64,
			response_bytes  UInt64,
			created_at      DateTime64(3),
			completed_at    DateTime64(3)
		)
		ENGINE = ReplacingMergeTree(completed_at)
		PARTITION BY toYYYYMM(created_at)
		ORDER BY request_id
	`, s.table)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("accounting: ensure table %s: %w", s.table, err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("accounting: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			request_id, user_id, endpoint, method, model,
			provider_id, sub_provider_id, status, status_code, error_message,
			retry_count, tokens_used, credits_used, credit_overrun,
			latency_ms, response_bytes, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table))
	if err != nil {
		return fmt.Errorf("accounting: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.RequestID, r.UserID, r.Endpoint, r.Method, r.Model,
			r.ProviderID, r.SubProviderID, r.Status, r.StatusCode, r.ErrorMessage,
			r.RetryCount, r.TokensUsed, r.CreditsUsed, r.CreditOverrun,
			r.LatencyMs, r.ResponseBytes, r.CreatedAt, r.CompletedAt,
		); err != nil {
			return fmt.Errorf("accounting: insert row %s: %w", r.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("accounting: commit batch: %w", err)
	}
	return nil
}

// Ping reports whether the ClickHouse connection is still usable.
func (s *ClickHouseSink) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *ClickHouseSink) Close() error { return s.db.Close() }

// LogSink emits each row as a structured log line. Used when no ClickHouse
// DSN is configured.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, rows []Row) error {
	for _, r := range rows {
		s.log.Info("request accounted",
			slog.String("request_id", r.RequestID),
			slog.String("user_id", r.UserID),
			slog.String("endpoint", r.Endpoint),
			slog.String("model", r.Model),
			slog.String("provider_id", r.ProviderID),
			slog.String("status", r.Status),
			slog.Int("status_code", r.StatusCode),
			slog.Int("retry_count", r.RetryCount),
			slog.Int64("tokens_used", r.TokensUsed),
			slog.Int64("credits_used", r.CreditsUsed),
			slog.Int64("credit_overrun", r.CreditOverrun),
			slog.Int64("latency_ms", r.LatencyMs))
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
