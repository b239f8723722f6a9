package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	chWriteTimeout = 5 * time.Second

	chTableDDL = `
CREATE TABLE IF NOT EXISTS request_log (
    id            UUID,
    provider      LowCardinality(String),
    model         LowCardinality(String),
    credential_id String,
    input_tokens  UInt32,
    output_tokens UInt32,
    latency_ms    UInt16,
    status        UInt16,
    attempts      UInt8,
    continuations UInt8,
    cached        Bool,
    created_at    DateTime
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (provider, created_at)
TTL created_at + INTERVAL 90 DAY`

	chInsert = `INSERT INTO request_log (
    id, provider, model, credential_id,
    input_tokens, output_tokens, latency_ms, status,
    attempts, continuations, cached, created_at
)`
)

// ClickHouseSink writes request logs to a ClickHouse table in batches.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN and creates the
// request_log table if it does not exist.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}

	if err := conn.Exec(ctx, chTableDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	ctx, cancel := context.WithTimeout(ctx, chWriteTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, chInsert)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.Provider,
			e.Model,
			e.CredentialID,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Attempts,
			e.Continuations,
			e.Cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("clickhouse: send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
