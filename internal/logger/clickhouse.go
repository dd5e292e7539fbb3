package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseSink batches RequestLog rows into a single INSERT per flush,
// the second logSink implementation alongside slogSink. Selected when
// ClickHouse.URL is configured (spec's AMBIENT STACK expansion).
type clickhouseSink struct {
	conn  driver.Conn
	table string
}

func newClickHouseSink(ctx context.Context, dsn, table string) (*clickhouseSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("logger: clickhouse dsn must not be empty")
	}
	if table == "" {
		table = "request_logs"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{dsn},
		Settings: clickhouse.Settings{
			"max_execution_time": 10,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: failed to open clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("logger: clickhouse ping failed: %w", err)
	}

	return &clickhouseSink{conn: conn, table: table}, nil
}

func (s *clickhouseSink) writeBatch(ctx context.Context, batch []RequestLog) {
	if len(batch) == 0 {
		return
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (id, engine, model, input_tokens, output_tokens, latency_ms, status, streamed, created_at)",
		s.table,
	)

	batchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	chBatch, err := s.conn.PrepareBatch(batchCtx, query)
	if err != nil {
		return
	}

	for _, e := range batch {
		if err := chBatch.Append(
			e.ID,
			e.Engine,
			e.Model,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.Streamed,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return
		}
	}

	_ = chBatch.Send()
}

func (s *clickhouseSink) close() {
	_ = s.conn.Close()
}
