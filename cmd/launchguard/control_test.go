package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/execution"
	"github.com/nexus-trading/launchguard/internal/ledger"
	"github.com/nexus-trading/launchguard/internal/observability"
	"github.com/nexus-trading/launchguard/internal/risk"
	"github.com/nexus-trading/launchguard/internal/sniper"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

type fixedPrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (p *fixedPrices) PriceSOL(_ context.Context, mint string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[mint]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", mint)
	}
	return price, nil
}

type testControl struct {
	ctl    *controller
	srv    *httptest.Server
	prices *fixedPrices
}

func newTestControl(t *testing.T) *testControl {
	t.Helper()
	paper := execution.NewPaperTrader(execution.PaperConfig{})
	book := ledger.New(ledger.DefaultConfig(), execution.NewRouter(execution.RouterConfig{PartialFillTolerancePct: 1}, paper), nil)
	prices := &fixedPrices{prices: map[string]decimal.Decimal{}}
	riskEngine := risk.New(risk.DefaultConfig())
	health := observability.NewHealthMonitor(time.Hour, time.Second)
	health.Register("risk", observability.RiskCheck(riskEngine.Stats))

	ctl := &controller{
		ledger:       book,
		monitor:      sniper.NewMonitor(sniper.DefaultMonitorConfig(), book, prices),
		risk:         riskEngine,
		trail:        audit.NewTrail(nil, 100),
		health:       health,
		stats:        func() map[string]any { return map[string]any{"ledger": book.Stats()} },
		closeTimeout: 5 * time.Second,
	}
	srv := httptest.NewServer(ctl.routes())
	t.Cleanup(srv.Close)
	return &testControl{ctl: ctl, srv: srv, prices: prices}
}

func (tc *testControl) open(t *testing.T, mint string) domain.Position {
	t.Helper()
	p, err := tc.ctl.ledger.Open(context.Background(), ledger.OpenRequest{
		Mint:      mint,
		Mode:      domain.ModePaper,
		AmountSOL: decimal.NewFromInt(1),
		RefPrice:  decimal.NewFromInt(1),
		Exit:      domain.ExitConfig{StopLossPct: 50},
	})
	require.NoError(t, err)
	return p
}

func (tc *testControl) do(t *testing.T, method, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, tc.srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestControl_Health(t *testing.T) {
	tc := newTestControl(t)

	resp, body := tc.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)

	tc.ctl.risk.Kill()
	resp, _ = tc.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestControl_ManualClose(t *testing.T) {
	tc := newTestControl(t)
	mint := addr(7)
	pos := tc.open(t, mint)
	tc.prices.prices[mint] = decimal.RequireFromString("1.2")

	resp, body := tc.do(t, http.MethodPost, "/positions/"+pos.ID+"/close")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var closed domain.Position
	require.NoError(t, json.Unmarshal(body, &closed))
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.Equal(t, domain.ExitManual, closed.CloseReason)
	assert.True(t, closed.RealizedPnL.Equal(decimal.RequireFromString("0.2")))

	resp, _ = tc.do(t, http.MethodPost, "/positions/"+pos.ID+"/close")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second close")

	resp, _ = tc.do(t, http.MethodPost, "/positions/missing/close")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = tc.do(t, http.MethodGet, "/positions/"+pos.ID+"/close")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestControl_ListPositions(t *testing.T) {
	tc := newTestControl(t)
	a := tc.open(t, addr(1))
	tc.open(t, addr(2))

	resp, body := tc.do(t, http.MethodGet, "/positions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []domain.Position
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 2)

	_, body = tc.do(t, http.MethodGet, "/positions?mint="+addr(1))
	var one []domain.Position
	require.NoError(t, json.Unmarshal(body, &one))
	require.Len(t, one, 1)
	assert.Equal(t, a.ID, one[0].ID)

	resp, _ = tc.do(t, http.MethodGet, "/positions/"+a.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = tc.do(t, http.MethodGet, "/positions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestControl_Decisions(t *testing.T) {
	tc := newTestControl(t)
	now := time.Now()
	for i, mint := range []string{addr(1), addr(2), addr(1)} {
		d := audit.Decision{TraceID: fmt.Sprintf("t%d", i), Mint: mint, Outcome: audit.StateAlerted, StartedAt: now}
		tc.ctl.trail.Record(d)
	}

	_, body := tc.do(t, http.MethodGet, "/decisions?mint="+addr(1))
	var byMint []audit.Decision
	require.NoError(t, json.Unmarshal(body, &byMint))
	assert.Len(t, byMint, 2)

	resp, body := tc.do(t, http.MethodGet, "/decisions?trace_id=t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), addr(2))

	resp, _ = tc.do(t, http.MethodGet, "/decisions?trace_id=zzz")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = tc.do(t, http.MethodGet, "/decisions?limit=1")
	var recent []audit.Decision
	require.NoError(t, json.Unmarshal(body, &recent))
	assert.Len(t, recent, 1)

	resp, _ = tc.do(t, http.MethodGet, "/decisions?limit=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControl_PauseResumeKill(t *testing.T) {
	tc := newTestControl(t)
	pos := tc.open(t, addr(3))
	tc.prices.prices[addr(3)] = decimal.RequireFromString("0.9")

	resp, _ := tc.do(t, http.MethodPost, "/control/pause")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, tc.ctl.risk.Stats().Paused)
	assert.Contains(t, tc.ctl.Status(), "Paused: true")

	resp, _ = tc.do(t, http.MethodPost, "/control/resume")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, tc.ctl.risk.Stats().Paused)

	resp, body := tc.do(t, http.MethodPost, "/control/kill")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"closing":1`))

	require.Eventually(t, func() bool {
		p, err := tc.ctl.ledger.Get(pos.ID)
		return err == nil && p.Status == domain.StatusClosed
	}, 2*time.Second, 10*time.Millisecond, "kill closes open positions")

	resp, _ = tc.do(t, http.MethodPost, "/control/resume")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "kill cannot be resumed")
}

func TestControl_Stats(t *testing.T) {
	tc := newTestControl(t)
	resp, body := tc.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ledger"`)
}
