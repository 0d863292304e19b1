package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogsDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
    id                UUID,
    user_id           String,
    api_key_id        String,
    gateway           LowCardinality(String),
    model             LowCardinality(String),
    prompt_tokens     UInt32,
    completion_tokens UInt32,
    latency_ms        UInt32,
    status            UInt16,
    outcome           LowCardinality(String),
    cost_usd          Float64,
    attempts          UInt8,
    streamed          UInt8,
    created_at        DateTime
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (created_at, gateway, model)
TTL created_at + INTERVAL 180 DAY
`

// ClickHouseSink writes batches into the request_logs table. Inserts use the
// native columnar batch API, one INSERT per flush.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects and ensures the table exists.
func NewClickHouseSink(ctx context.Context, addr, database, username, password string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("usagelog: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("usagelog: clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, requestLogsDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("usagelog: create request_logs: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []Entry) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return err
	}
	for _, e := range batch {
		streamed := uint8(0)
		if e.Streamed {
			streamed = 1
		}
		if err := b.Append(
			e.ID,
			e.UserID,
			e.APIKeyID,
			e.Gateway,
			e.Model,
			e.PromptTokens,
			e.CompletionTokens,
			e.LatencyMs,
			e.Status,
			e.Outcome,
			e.CostUSD,
			e.Attempts,
			streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return err
		}
	}
	return b.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
