// Package logger implements a non-blocking, batched request logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the
// dispatcher hot path. If the channel fills up (> 10 000 entries), new
// entries are dropped and counted in DroppedLogs.
//
// Where a flushed batch ends up is pluggable via logSink: the default is
// structured slog output; an optional ClickHouse sink can be selected by
// configuration, keeping "logging transport is an external collaborator"
// (spec §1) true regardless of backend.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one completion request's audit record, generalized from the
// teacher's provider-proxy RequestLog (Provider→Engine).
type RequestLog struct {
	ID           uuid.UUID
	Engine       string
	Model        string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint16
	Status       uint16
	Streamed     bool
	CreatedAt    time.Time
}

// logSink receives a flushed batch. Implementations must not block the
// caller for long — the Logger only calls this from its own goroutine, but
// a slow sink still delays the next flush tick.
type logSink interface {
	writeBatch(ctx context.Context, batch []RequestLog)
	close()
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    logSink
}

// New constructs a Logger with the slog sink. Pass a non-nil slogger to
// control its destination/level; nil falls back to a JSON stdout handler.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	return newWithSink(ctx, newSlogSink(slogger))
}

// NewWithClickHouse constructs a Logger whose sink is the ClickHouse async
// writer, for deployments that configured CLICKHOUSE_URL.
func NewWithClickHouse(ctx context.Context, dsn, table string) (*Logger, error) {
	sink, err := newClickHouseSink(ctx, dsn, table)
	if err != nil {
		return nil, err
	}
	return newWithSink(ctx, sink)
}

func newWithSink(ctx context.Context, sink logSink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	l.sink.close()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.sink.writeBatch(l.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// slogSink is the default sink: structured JSON lines via log/slog.
type slogSink struct {
	log *slog.Logger
}

func newSlogSink(slogger *slog.Logger) *slogSink {
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &slogSink{log: slogger}
}

func (s *slogSink) writeBatch(ctx context.Context, batch []RequestLog) {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("engine", e.Engine),
			slog.String("model", e.Model),
			slog.Uint64("input_tokens", uint64(e.InputTokens)),
			slog.Uint64("output_tokens", uint64(e.OutputTokens)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("streamed", e.Streamed),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
}

func (s *slogSink) close() {}
