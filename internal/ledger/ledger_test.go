package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) string { return base58.Encode(bytes.Repeat([]byte{b}, 32)) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// flakyExecutor wraps a paper router and fails sells while failSells is set.
type flakyExecutor struct {
	router    *execution.Router
	failSells atomic.Bool
	failBuys  atomic.Bool
	buys      atomic.Int32
	gate      chan struct{} // when set, buys wait on it
}

func (f *flakyExecutor) Execute(ctx context.Context, mode domain.Mode, req execution.TradeRequest) (execution.Fill, error) {
	if req.Direction == execution.Buy {
		f.buys.Add(1)
		if f.gate != nil {
			<-f.gate
		}
		if f.failBuys.Load() {
			return execution.Fill{}, fmt.Errorf("adapter timeout: %w", domain.ErrExecutionFailed)
		}
	}
	if req.Direction == execution.Sell && f.failSells.Load() {
		return execution.Fill{}, fmt.Errorf("no route: %w", domain.ErrExecutionFailed)
	}
	return f.router.Execute(ctx, mode, req)
}

type memPersister struct {
	mu    sync.Mutex
	saved map[string]domain.Position
	err   error
}

func (m *memPersister) SavePosition(ctx context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.saved == nil {
		m.saved = make(map[string]domain.Position)
	}
	m.saved[p.ID] = p
	return nil
}

func newTestLedger(t *testing.T) (*Ledger, *flakyExecutor, *memPersister) {
	t.Helper()
	paper := execution.NewPaperTrader(execution.PaperConfig{})
	exec := &flakyExecutor{router: execution.NewRouter(execution.RouterConfig{PartialFillTolerancePct: 1}, paper)}
	store := &memPersister{}
	return New(DefaultConfig(), exec, store), exec, store
}

func openAt(t *testing.T, l *Ledger, mint string, price string, exit domain.ExitConfig) domain.Position {
	t.Helper()
	pos, err := l.Open(context.Background(), OpenRequest{
		Mint:      mint,
		Mode:      domain.ModePaper,
		AmountSOL: d("1"),
		RefPrice:  d(price),
		Exit:      exit,
	})
	require.NoError(t, err)
	return pos
}

func TestOpen_RecordsFill(t *testing.T) {
	l, _, store := newTestLedger(t)

	pos := openAt(t, l, addr(1), "0.5", domain.ExitConfig{StopLossPct: 15})
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.True(t, pos.EntryPrice.Equal(d("0.5")))
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.HighWaterMark.Equal(pos.EntryPrice))

	assert.Contains(t, store.saved, pos.ID)
	assert.True(t, l.HasActive(addr(1), domain.ModePaper))
}

func TestOpen_Duplicate(t *testing.T) {
	l, _, _ := newTestLedger(t)
	openAt(t, l, addr(1), "1", domain.ExitConfig{})

	_, err := l.Open(context.Background(), OpenRequest{Mint: addr(1), Mode: domain.ModePaper, AmountSOL: d("1"), RefPrice: d("1")})
	assert.ErrorIs(t, err, domain.ErrDuplicatePosition)

	assert.Len(t, l.List(Filter{Mint: addr(1)}), 1)
	assert.Equal(t, int64(1), l.Stats().Duplicates)
}

func TestOpen_SameMintOtherModeAllowed(t *testing.T) {
	l, exec, _ := newTestLedger(t)
	live := &stubTrader{}
	exec.router = execution.NewRouter(execution.RouterConfig{}, execution.NewPaperTrader(execution.PaperConfig{}), live)

	openAt(t, l, addr(1), "1", domain.ExitConfig{})
	_, err := l.Open(context.Background(), OpenRequest{Mint: addr(1), Mode: domain.ModeLive, AmountSOL: d("1"), RefPrice: d("1")})
	require.NoError(t, err)
	assert.Len(t, l.OpenPositions(), 2)
}

type stubTrader struct{}

func (stubTrader) Mode() domain.Mode { return domain.ModeLive }

func (stubTrader) ExecuteTrade(ctx context.Context, req execution.TradeRequest) (execution.Fill, error) {
	return execution.Fill{RequestID: req.RequestID, AmountSOL: req.AmountSOL, Quantity: req.AmountSOL, AvgPrice: d("1")}, nil
}

func TestOpen_ConcurrentDuplicates(t *testing.T) {
	l, exec, _ := newTestLedger(t)
	exec.gate = make(chan struct{})

	const n = 20
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Open(context.Background(), OpenRequest{Mint: addr(7), Mode: domain.ModePaper, AmountSOL: d("1"), RefPrice: d("1")})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrDuplicatePosition):
				dup.Add(1)
			}
		}()
	}
	close(exec.gate)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), dup.Load())
	assert.Equal(t, int32(1), exec.buys.Load(), "only the reserving caller executes")
	assert.Len(t, l.OpenPositions(), 1)
}

func TestOpen_FailedBuyLeavesNothing(t *testing.T) {
	l, exec, _ := newTestLedger(t)
	exec.failBuys.Store(true)

	_, err := l.Open(context.Background(), OpenRequest{Mint: addr(1), Mode: domain.ModePaper, AmountSOL: d("1"), RefPrice: d("1")})
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Empty(t, l.List(Filter{}))
	assert.False(t, l.HasActive(addr(1), domain.ModePaper))

	exec.failBuys.Store(false)
	openAt(t, l, addr(1), "1", domain.ExitConfig{})
}

func TestOpen_InvalidMint(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Open(context.Background(), OpenRequest{Mint: "not-a-mint", Mode: domain.ModePaper, AmountSOL: d("1"), RefPrice: d("1")})
	assert.ErrorIs(t, err, domain.ErrInvalidIdentifier)
}

func TestEvaluate_StopLoss(t *testing.T) {
	l, _, _ := newTestLedger(t)
	pos := openAt(t, l, addr(1), "1.0", domain.ExitConfig{StopLossPct: 15})

	trig, err := l.Evaluate(pos.ID, d("0.84"))
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ExitStopLoss, trig.Reason)
	assert.True(t, trig.Threshold.Equal(d("0.85")))

	got, err := l.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status, "evaluate never changes status")
}

func TestEvaluate_TrailingStopSequence(t *testing.T) {
	l, _, _ := newTestLedger(t)
	pos := openAt(t, l, addr(1), "1.0", domain.ExitConfig{TakeProfitPct: 50, TrailingStopPct: 10})

	trig, err := l.Evaluate(pos.ID, d("1.2"))
	require.NoError(t, err)
	assert.Nil(t, trig)

	trig, err = l.Evaluate(pos.ID, d("1.6"))
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ExitTakeProfit, trig.Reason)

	trig, err = l.Evaluate(pos.ID, d("1.45"))
	require.NoError(t, err)
	assert.Nil(t, trig, "1.45 is above 1.6 * 0.9")

	got, _ := l.Get(pos.ID)
	assert.True(t, got.HighWaterMark.Equal(d("1.6")))

	trig, err = l.Evaluate(pos.ID, d("1.4"))
	require.NoError(t, err)
	require.NotNil(t, trig)
	assert.Equal(t, domain.ExitTrailingStop, trig.Reason)
	assert.True(t, trig.Threshold.Equal(d("1.44")))
}

func TestEvaluate_HighWaterMarkMonotonic(t *testing.T) {
	l, _, _ := newTestLedger(t)
	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})

	prev := pos.HighWaterMark
	for _, p := range []string{"1.1", "0.9", "1.3", "1.2", "0.5", "1.31", "1"} {
		_, err := l.Evaluate(pos.ID, d(p))
		require.NoError(t, err)
		got, _ := l.Get(pos.ID)
		assert.True(t, got.HighWaterMark.GreaterThanOrEqual(prev), "hwm dropped at %s", p)
		prev = got.HighWaterMark
	}
	assert.True(t, prev.Equal(d("1.31")))
}

func TestEvaluate_NotFoundAndNotOpen(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Evaluate("missing", d("1"))
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{StopLossPct: 10})
	_, err = l.Close(context.Background(), pos.ID, domain.ExitManual)
	require.NoError(t, err)

	trig, err := l.Evaluate(pos.ID, d("0.1"))
	assert.NoError(t, err)
	assert.Nil(t, trig)
}

func TestClose_Success(t *testing.T) {
	l, _, store := newTestLedger(t)

	var closed []domain.Position
	l.SetOnClose(func(p domain.Position) { closed = append(closed, p) })

	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})
	_, err := l.Evaluate(pos.ID, d("1.5"))
	require.NoError(t, err)

	got, err := l.Close(context.Background(), pos.ID, domain.ExitTakeProfit)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ExitTakeProfit, got.CloseReason)
	assert.True(t, got.RealizedPnL.Equal(d("0.5")))
	assert.NotNil(t, got.ClosedAt)
	assert.InDelta(t, 50.0, got.PnLPct(), 1e-9)

	require.Len(t, closed, 1)
	assert.Equal(t, domain.StatusClosed, store.saved[pos.ID].Status)
	assert.False(t, l.HasActive(addr(1), domain.ModePaper))
	_, ok := l.LastClosed(addr(1), domain.ModePaper)
	assert.True(t, ok)

	_, err = l.Close(context.Background(), pos.ID, domain.ExitManual)
	assert.ErrorIs(t, err, domain.ErrPositionNotOpen)
}

func TestClose_PnLNetOfFees(t *testing.T) {
	paper := execution.NewPaperTrader(execution.PaperConfig{FeeSOL: d("0.01")})
	l := New(DefaultConfig(), execution.NewRouter(execution.RouterConfig{PartialFillTolerancePct: 1}, paper), nil)

	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})
	assert.True(t, pos.EntryAmountSOL.Equal(d("1.01")), "buy fee is part of the cost basis: %s", pos.EntryAmountSOL)

	_, err := l.Evaluate(pos.ID, d("1.2"))
	require.NoError(t, err)
	got, err := l.Close(context.Background(), pos.ID, domain.ExitManual)
	require.NoError(t, err)
	assert.True(t, got.RealizedPnL.Equal(d("0.18")), "1.2 proceeds - 0.01 sell fee - 1.01 cost, got %s", got.RealizedPnL)
}

func TestClose_FailureRollsBackToOpen(t *testing.T) {
	l, exec, _ := newTestLedger(t)
	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})

	exec.failSells.Store(true)
	got, err := l.Close(context.Background(), pos.ID, domain.ExitStopLoss)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Equal(t, domain.StatusOpen, got.Status)

	current, _ := l.Get(pos.ID)
	assert.Equal(t, domain.StatusOpen, current.Status)
	assert.True(t, l.HasActive(addr(1), domain.ModePaper))
	assert.Equal(t, int64(1), l.Stats().CloseFailed)

	exec.failSells.Store(false)
	got, err = l.Close(context.Background(), pos.ID, domain.ExitStopLoss)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestClose_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)
	_, err := l.Close(context.Background(), "nope", domain.ExitManual)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClose_ConcurrentOnlyOneWins(t *testing.T) {
	l, _, _ := newTestLedger(t)
	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})

	var wg sync.WaitGroup
	var ok, notOpen atomic.Int32
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Close(context.Background(), pos.ID, domain.ExitManual)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrPositionNotOpen):
				notOpen.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), notOpen.Load())
}

func TestConcurrentEvaluateAndList(t *testing.T) {
	l, _, _ := newTestLedger(t)
	var ids []string
	for i := range 8 {
		ids = append(ids, openAt(t, l, addr(byte(i+1)), "1", domain.ExitConfig{StopLossPct: 50}).ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 100 {
				_, _ = l.Evaluate(id, decimal.NewFromInt(int64(100+i)).Div(decimal.NewFromInt(100)))
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				for _, p := range l.List(Filter{}) {
					assert.True(t, p.HighWaterMark.GreaterThanOrEqual(p.EntryPrice))
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		got, _ := l.Get(id)
		assert.True(t, got.HighWaterMark.Equal(d("1.99")))
	}
}

func TestRestore(t *testing.T) {
	l, _, _ := newTestLedger(t)
	n := l.Restore([]domain.Position{
		{ID: "a", Mint: addr(1), Mode: domain.ModePaper, Status: domain.StatusOpen, EntryPrice: d("1"), HighWaterMark: d("1.2")},
		{ID: "b", Mint: addr(2), Mode: domain.ModePaper, Status: domain.StatusClosing, EntryPrice: d("1")},
		{ID: "c", Mint: addr(3), Mode: domain.ModePaper, Status: domain.StatusClosed},
		{ID: "d", Mint: addr(1), Mode: domain.ModePaper, Status: domain.StatusOpen},
	})
	assert.Equal(t, 2, n)

	b, err := l.Get("b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, b.Status)
	assert.True(t, b.HighWaterMark.Equal(d("1")))

	_, err = l.Get("c")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	_, err = l.Open(context.Background(), OpenRequest{Mint: addr(1), Mode: domain.ModePaper, AmountSOL: d("1"), RefPrice: d("1")})
	assert.ErrorIs(t, err, domain.ErrDuplicatePosition)
}

func TestPersistFailureDegrades(t *testing.T) {
	l, _, store := newTestLedger(t)
	store.err = errors.New("connection refused")

	pos := openAt(t, l, addr(1), "1", domain.ExitConfig{})
	assert.Equal(t, domain.StatusOpen, pos.Status)
	assert.Equal(t, int64(1), l.Stats().PersistFailed)
	assert.Zero(t, l.PersistAll(context.Background()))

	store.err = nil
	assert.Equal(t, 1, l.PersistAll(context.Background()))
}

func TestList_Filter(t *testing.T) {
	l, _, _ := newTestLedger(t)
	a := openAt(t, l, addr(1), "1", domain.ExitConfig{})
	openAt(t, l, addr(2), "1", domain.ExitConfig{})
	_, err := l.Close(context.Background(), a.ID, domain.ExitManual)
	require.NoError(t, err)

	assert.Len(t, l.List(Filter{}), 2)
	assert.Len(t, l.OpenPositions(), 1)
	closed := l.List(Filter{Statuses: []domain.Status{domain.StatusClosed}})
	require.Len(t, closed, 1)
	assert.Equal(t, a.ID, closed[0].ID)

	stats := l.Stats()
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, int64(2), stats.Opened)
	assert.Equal(t, int64(1), stats.Closed)
}

func TestCheckExit_DisabledRules(t *testing.T) {
	pos := domain.Position{ID: "x", EntryPrice: d("1"), HighWaterMark: d("2")}
	_, ok := CheckExit(pos, d("0.01"))
	assert.False(t, ok)

	pos.Exit = domain.ExitConfig{StopLossPct: 10, TrailingStopPct: 10}
	trig, ok := CheckExit(pos, d("0.9"))
	require.True(t, ok)
	assert.Equal(t, domain.ExitStopLoss, trig.Reason, "stop-loss is checked before trailing")
}
