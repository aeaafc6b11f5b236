package clickhouse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeDecision creates a test decision record.
func makeDecision(i int) audit.Decision {
	start := time.Unix(1_700_000_000, 0).Add(time.Duration(i) * time.Second)
	d := audit.Decision{
		TraceID:    "trace",
		Mint:       "mint",
		Source:     "created",
		Outcome:    audit.StateRejected,
		Stage:      "filter",
		Reason:     "liquidity",
		Score:      71.5,
		StartedAt:  start,
		FinishedAt: start.Add(250 * time.Millisecond),
	}
	d.Step(audit.StateReceived, start)
	d.Step(audit.StateRejected, start)
	return d
}

// makeClosed creates a closed test position.
func makeClosed(i int) domain.Position {
	opened := time.Unix(1_700_000_000, 0)
	closed := opened.Add(time.Duration(90+i) * time.Second)
	return domain.Position{
		ID:             "pos",
		Mint:           "mint",
		Mode:           domain.ModePaper,
		Status:         domain.StatusClosed,
		EntryPrice:     decimal.RequireFromString("0.001"),
		ExitPrice:      decimal.RequireFromString("0.0012"),
		EntryAmountSOL: decimal.RequireFromString("0.5"),
		RealizedPnL:    decimal.RequireFromString("0.1"),
		OpenedAt:       opened,
		ClosedAt:       &closed,
		CloseReason:    domain.ExitTakeProfit,
	}
}

func TestBatchSizeTrigger_Decisions(t *testing.T) {
	const batchSize = 10

	var mu sync.Mutex
	var flushedRows [][]any

	w := NewBatchWriter(nil, "launchguard", batchSize, time.Hour) // huge interval so timer won't fire
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		mu.Lock()
		flushedRows = append(flushedRows, rows...)
		mu.Unlock()
		assert.Equal(t, "launchguard.decisions", table)
		return nil
	})

	ctx := context.Background()
	for i := range batchSize {
		require.NoError(t, w.WriteDecision(ctx, makeDecision(i)))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, flushedRows, batchSize, "flush should have been triggered at batchSize")

	row := flushedRows[0]
	assert.Equal(t, "trace", row[0])
	assert.Equal(t, []string{audit.StateReceived, audit.StateRejected}, row[9])
	assert.Equal(t, uint32(250), row[12])
}

func TestBatchSizeTrigger_ClosedPositions(t *testing.T) {
	const batchSize = 5

	var flushed [][]any
	w := NewBatchWriter(nil, "", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, rows [][]any) error {
		flushed = append(flushed, rows...)
		assert.Equal(t, "closed_positions", table)
		return nil
	})

	ctx := context.Background()
	for i := range batchSize {
		require.NoError(t, w.WritePosition(ctx, makeClosed(i)))
	}

	require.Len(t, flushed, batchSize)
	row := flushed[0]
	assert.InDelta(t, 0.001, row[4], 1e-12)
	assert.InDelta(t, 20.0, row[8], 1e-9)
	assert.Equal(t, "take_profit", row[9])
	assert.Equal(t, uint32(90), row[12])
}

func TestWritePosition_IgnoresOpen(t *testing.T) {
	w := NewBatchWriter(nil, "", 1, time.Hour)
	called := false
	w.SetFlushHook(func(context.Context, string, [][]any) error { called = true; return nil })

	pos := makeClosed(0)
	pos.Status = domain.StatusOpen
	pos.ClosedAt = nil
	require.NoError(t, w.WritePosition(context.Background(), pos))
	assert.False(t, called)
	assert.Zero(t, w.Stats().PendingPositions)
}

func TestBatchSizeTrigger_Mixed(t *testing.T) {
	const batchSize = 6

	var totalFlushed atomic.Int64
	w := NewBatchWriter(nil, "launchguard", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, w.WriteDecision(ctx, makeDecision(i)))
	}
	for i := range 3 {
		require.NoError(t, w.WritePosition(ctx, makeClosed(i)))
	}

	assert.Equal(t, int64(6), totalFlushed.Load(), "flush should trigger when combined buffers reach batchSize")
}

func TestFlushIntervalTrigger(t *testing.T) {
	var totalFlushed atomic.Int64

	w := NewBatchWriter(nil, "launchguard", 1000, 50*time.Millisecond)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := range 5 {
		require.NoError(t, w.WriteDecision(ctx, makeDecision(i)))
	}
	w.Start(ctx)

	require.Eventually(t, func() bool { return totalFlushed.Load() == 5 }, 2*time.Second, 10*time.Millisecond,
		"periodic flush should have written all 5 rows")
	require.NoError(t, w.Close())
}

func TestCloseFlushesPending(t *testing.T) {
	var totalFlushed atomic.Int64
	w := NewBatchWriter(nil, "", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})
	w.Start(context.Background())

	require.NoError(t, w.WriteDecision(context.Background(), makeDecision(0)))
	require.NoError(t, w.Close())
	assert.Equal(t, int64(1), totalFlushed.Load())

	assert.Error(t, w.WriteDecision(context.Background(), makeDecision(1)), "writing to a closed writer should return an error")
	assert.Error(t, w.WritePosition(context.Background(), makeClosed(1)))
}

func TestFlushEmpty(t *testing.T) {
	hookCalled := false

	w := NewBatchWriter(nil, "launchguard", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, hookCalled, "flush hook should not be called when buffers are empty")
}

func TestFlushErrorCounted(t *testing.T) {
	w := NewBatchWriter(nil, "", 100, time.Hour)
	w.SetFlushHook(func(context.Context, string, [][]any) error { return errors.New("connection refused") })

	require.NoError(t, w.WriteDecision(context.Background(), makeDecision(0)))
	require.Error(t, w.Flush(context.Background()))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Zero(t, stats.RowsWritten)
	assert.Zero(t, stats.PendingDecisions, "failed rows are dropped, not retried")
}

func TestConcurrentWrites(t *testing.T) {
	const (
		numGoroutines = 10
		writesPerGo   = 100
		batchSize     = 50
	)

	var totalFlushed atomic.Int64
	w := NewBatchWriter(nil, "launchguard", batchSize, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		totalFlushed.Add(int64(len(rows)))
		return nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for g := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range writesPerGo {
				if g%2 == 0 {
					_ = w.WriteDecision(ctx, makeDecision(i))
				} else {
					_ = w.WritePosition(ctx, makeClosed(i))
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, w.Flush(ctx))
	assert.Equal(t, int64(numGoroutines*writesPerGo), totalFlushed.Load(),
		"all rows from concurrent writers must be flushed")
	assert.Equal(t, int64(numGoroutines*writesPerGo), w.Stats().RowsWritten)
}

func TestBatchNotFlushedBelowThreshold(t *testing.T) {
	hookCalled := false

	w := NewBatchWriter(nil, "launchguard", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, _ string, _ [][]any) error {
		hookCalled = true
		return nil
	})

	ctx := context.Background()
	for i := range 50 {
		require.NoError(t, w.WriteDecision(ctx, makeDecision(i)))
	}

	assert.False(t, hookCalled, "auto-flush should not fire below batchSize")
	assert.Equal(t, 50, w.Stats().PendingDecisions)
}

func TestSchema(t *testing.T) {
	ddl := schema("lg")
	require.Len(t, ddl, 3)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS lg", ddl[0])
	assert.Contains(t, ddl[1], "lg.decisions")
	assert.Contains(t, ddl[2], "lg.closed_positions")

	assert.Len(t, schema(""), 2)
}
