package notify

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/launchguard/internal/bus"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) string { return base58.Encode(bytes.Repeat([]byte{b}, 32)) }

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func alert(name, symbol string) bus.NewAlert {
	return bus.NewAlert{
		BaseEvent:    bus.NewBaseEvent("test", "trace-1"),
		Mint:         addr(7),
		Name:         name,
		Symbol:       symbol,
		Source:       "created",
		LiquiditySOL: decimal.RequireFromString("12.5"),
		Holders:      40,
		TopHolderPct: 18.2,
		Verdict: domain.SafetyVerdict{
			Score:     82,
			Providers: []string{"rugcheck", "goplus"},
			Missing:   []string{"sellroute"},
		},
	}
}

func TestFormat_AlertDisplayNameFallback(t *testing.T) {
	tests := []struct {
		name, tokenName, symbol, want string
	}{
		{"name wins", "Doge Killer", "DOGEK", "Doge Killer ($DOGEK)"},
		{"symbol only", "", "DOGEK", "DOGEK"},
		{"shortened mint", "", "", domain.ShortAddress(addr(7))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := Format(alert(tt.tokenName, tt.symbol))
			require.True(t, ok)
			assert.Contains(t, text, "NEW TOKEN</b> "+tt.want)
			assert.Contains(t, text, "<code>"+addr(7)+"</code>")
			assert.Contains(t, text, "Liquidity: 12.50 SOL | Holders: 40 | Top10: 18.2%")
			assert.Contains(t, text, "Safety: 82/100 (rugcheck, goplus)")
			assert.Contains(t, text, "Missing: sellroute")
			assert.Contains(t, text, "Alert only")
		})
	}
}

func TestFormat_EscapesHTML(t *testing.T) {
	text, ok := Format(alert("<b>rug</b>", ""))
	require.True(t, ok)
	assert.Contains(t, text, "&lt;b&gt;rug&lt;/b&gt;")
}

func TestFormat_Positions(t *testing.T) {
	closedAt := time.Now()
	pos := domain.Position{
		ID:             "p1",
		Mint:           addr(3),
		Symbol:         "PEPE",
		Mode:           domain.ModePaper,
		Status:         domain.StatusClosed,
		EntryPrice:     decimal.RequireFromString("0.001"),
		EntryAmountSOL: decimal.RequireFromString("0.5"),
		ExitPrice:      decimal.RequireFromString("0.0015"),
		RealizedPnL:    decimal.RequireFromString("0.25"),
		Exit:           domain.ExitConfig{StopLossPct: 30, TakeProfitPct: 100, TrailingStopPct: 20},
		ClosedAt:       &closedAt,
		CloseReason:    domain.ExitTakeProfit,
	}

	opened, ok := Format(bus.PositionOpened{Position: pos})
	require.True(t, ok)
	assert.Contains(t, opened, "BUY</b> PEPE [PAPER]")
	assert.Contains(t, opened, "Size: 0.5000 SOL")
	assert.Contains(t, opened, "SL 30% | TP 100% | TS 20%")

	closed, ok := Format(bus.PositionClosed{Position: pos})
	require.True(t, ok)
	assert.Contains(t, closed, "💰 <b>SELL</b> PEPE")
	assert.Contains(t, closed, "Reason: take_profit")
	assert.Contains(t, closed, "PnL: +0.2500 SOL (+50.0%)")

	pos.RealizedPnL = decimal.RequireFromString("-0.1")
	loss, _ := Format(bus.PositionClosed{Position: pos})
	assert.Contains(t, loss, "🔴")
	assert.Contains(t, loss, "PnL: -0.1000 SOL (-20.0%)")
}

func TestFormat_Rejection(t *testing.T) {
	text, ok := Format(bus.RejectionLogged{Mint: addr(9), Stage: "filter", Rule: "liquidity", Reason: "liquidity 1 < min 5"})
	require.True(t, ok)
	assert.Contains(t, text, domain.ShortAddress(addr(9)))
	assert.Contains(t, text, "Stage: filter/liquidity")
	assert.Contains(t, text, "liquidity 1 &lt; min 5")
}

func TestNotifier_Run(t *testing.T) {
	sender := &recordingSender{}
	n := New(Config{}, sender)

	events := make(chan bus.Event, 4)
	events <- alert("A", "A")
	events <- bus.RejectionLogged{Mint: addr(1), Stage: "safety", Reason: "safety-unavailable"}
	events <- bus.PositionOpened{Position: domain.Position{Mint: addr(2), Mode: domain.ModePaper}}
	close(events)

	n.Run(context.Background(), events)

	msgs := sender.messages()
	require.Len(t, msgs, 2, "rejections are not posted by default")
	assert.Contains(t, msgs[0], "NEW TOKEN")
	assert.Contains(t, msgs[1], "BUY")
	assert.Equal(t, Stats{Sent: 2, Skipped: 1}, n.Stats())
}

func TestNotifier_RejectionsEnabled(t *testing.T) {
	sender := &recordingSender{}
	n := New(Config{Rejections: true}, sender)

	n.Notify(context.Background(), bus.RejectionLogged{Mint: addr(1), Stage: "safety", Reason: "safety-unavailable"})
	require.Len(t, sender.messages(), 1)
}

func TestNotifier_SendFailureCounted(t *testing.T) {
	sender := &recordingSender{err: errors.New("telegram: 502")}
	n := New(Config{}, sender)

	n.Notify(context.Background(), alert("A", "A"))
	n.Notify(context.Background(), alert("B", "B"))
	assert.Equal(t, Stats{Failed: 2}, n.Stats())
}
