package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
)

// Table names.
const (
	TableDecisions       = "decisions"
	TableClosedPositions = "closed_positions"
)

// FlushFunc receives one table's rows instead of ClickHouse. Used by tests.
type FlushFunc func(ctx context.Context, table string, rows [][]any) error

// BatchWriter batches rows and flushes to ClickHouse periodically or when
// the batch is full.
type BatchWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration
	hook          FlushFunc

	mu          sync.Mutex
	decisionBuf [][]any
	positionBuf [][]any
	closed      bool
	flushCount  int64
	errorCount  int64
	rowsWritten int64

	stop chan struct{}
	done chan struct{}
}

// NewBatchWriter creates a batch writer that flushes on size or interval.
// database prefixes table names when set.
func NewBatchWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &BatchWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		decisionBuf:   make([][]any, 0, batchSize),
		positionBuf:   make([][]any, 0, batchSize),
	}
}

// SetFlushHook routes flushed rows to fn instead of the client.
func (w *BatchWriter) SetFlushHook(fn FlushFunc) {
	w.mu.Lock()
	w.hook = fn
	w.mu.Unlock()
}

// WriteDecision buffers one decision record.
func (w *BatchWriter) WriteDecision(ctx context.Context, d audit.Decision) error {
	latency := d.FinishedAt.Sub(d.StartedAt).Milliseconds()
	row := []any{
		d.TraceID, d.Mint, d.Symbol, d.Source, d.Outcome, d.Stage, d.Reason, d.Score, d.PositionID,
		d.States(), d.StartedAt, d.FinishedAt, uint32(max(latency, 0)),
	}
	return w.append(ctx, func() { w.decisionBuf = append(w.decisionBuf, row) })
}

// WritePosition buffers a closed position. Positions that are not CLOSED
// are ignored.
func (w *BatchWriter) WritePosition(ctx context.Context, p domain.Position) error {
	if p.Status != domain.StatusClosed || p.ClosedAt == nil {
		return nil
	}
	hold := p.ClosedAt.Sub(p.OpenedAt).Seconds()
	row := []any{
		p.ID, p.Mint, p.Symbol, string(p.Mode),
		p.EntryPrice.InexactFloat64(), p.ExitPrice.InexactFloat64(),
		p.EntryAmountSOL.InexactFloat64(), p.RealizedPnL.InexactFloat64(), p.PnLPct(),
		string(p.CloseReason), p.OpenedAt, *p.ClosedAt, uint32(max(hold, 0)),
	}
	return w.append(ctx, func() { w.positionBuf = append(w.positionBuf, row) })
}

func (w *BatchWriter) append(ctx context.Context, add func()) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("writer is closed")
	}
	add()
	full := len(w.decisionBuf)+len(w.positionBuf) >= w.batchSize
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Start launches the background flush loop. It stops on ctx cancellation
// or Close.
func (w *BatchWriter) Start(ctx context.Context) {
	w.mu.Lock()
	if w.stop != nil {
		w.mu.Unlock()
		return
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	stop, done := w.stop, w.done
	w.mu.Unlock()

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: batch writer started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := w.Flush(ctx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush failed")
				}
			}
		}
	}()
}

// Flush writes all buffered rows. A failed table's rows are dropped.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	decisions := w.decisionBuf
	positions := w.positionBuf
	w.decisionBuf = make([][]any, 0, w.batchSize)
	w.positionBuf = make([][]any, 0, w.batchSize)
	hook := w.hook
	w.mu.Unlock()

	if len(decisions) == 0 && len(positions) == 0 {
		return nil
	}

	var firstErr error
	for _, b := range []struct {
		table string
		rows  [][]any
	}{
		{TableDecisions, decisions},
		{TableClosedPositions, positions},
	} {
		if len(b.rows) == 0 {
			continue
		}
		err := w.send(ctx, hook, qualify(w.database, b.table), b.rows)
		w.mu.Lock()
		if err != nil {
			w.errorCount++
		} else {
			w.rowsWritten += int64(len(b.rows))
		}
		w.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("table", b.table).Int("count", len(b.rows)).Msg("clickhouse: flush failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	w.mu.Lock()
	w.flushCount++
	w.mu.Unlock()
	log.Debug().
		Int("decisions", len(decisions)).
		Int("positions", len(positions)).
		Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *BatchWriter) send(ctx context.Context, hook FlushFunc, table string, rows [][]any) error {
	if hook != nil {
		return hook(ctx, table, rows)
	}
	if w.client == nil {
		return fmt.Errorf("clickhouse: no client for %s", table)
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops the flush loop, writes what is buffered and rejects further
// writes.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	stop, done := w.stop, w.done
	w.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.Flush(ctx)

	w.mu.Lock()
	w.closed = true
	flushes, errs := w.flushCount, w.errorCount
	w.mu.Unlock()

	log.Info().
		Int64("total_flushes", flushes).
		Int64("errors", errs).
		Msg("clickhouse: batch writer closed")
	return err
}

// WriterStats are writer counters.
type WriterStats struct {
	Flushes          int64 `json:"flushes"`
	Errors           int64 `json:"errors"`
	RowsWritten      int64 `json:"rows_written"`
	PendingDecisions int   `json:"pending_decisions"`
	PendingPositions int   `json:"pending_positions"`
}

func (w *BatchWriter) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Flushes:          w.flushCount,
		Errors:           w.errorCount,
		RowsWritten:      w.rowsWritten,
		PendingDecisions: len(w.decisionBuf),
		PendingPositions: len(w.positionBuf),
	}
}
