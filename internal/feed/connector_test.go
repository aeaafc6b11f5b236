package feed

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mr-tron/base58"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(b byte) string {
	return base58.Encode(bytes.Repeat([]byte{b}, 32))
}

func testEvent(t *testing.T, b byte) Event {
	t.Helper()
	snap, err := domain.NewTokenSnapshot(domain.SnapshotParams{Mint: addr(b)}, time.Now())
	require.NoError(t, err)
	return Event{Kind: KindCreated, Snapshot: snap, ReceivedAt: time.Now()}
}

// scriptedConn replays events then fails.
type scriptedConn struct {
	events []Event
	failAt error
	closed chan struct{}
	once   sync.Once
}

func (c *scriptedConn) Next(ctx context.Context) (Event, error) {
	if len(c.events) > 0 {
		ev := c.events[0]
		c.events = c.events[1:]
		return ev, nil
	}
	if c.failAt != nil {
		return Event{}, c.failAt
	}
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.closed:
		return Event{}, errors.New("closed")
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// scriptedSource hands out conns in order; nil entries are dial failures.
type scriptedSource struct {
	mu    sync.Mutex
	conns []*scriptedConn
	dials int
}

func (s *scriptedSource) Dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if len(s.conns) == 0 {
		return nil, errors.New("dial refused")
	}
	c := s.conns[0]
	s.conns = s.conns[1:]
	if c == nil {
		return nil, errors.New("dial refused")
	}
	c.closed = make(chan struct{})
	return c, nil
}

func (s *scriptedSource) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func fastBackoff(attempts int) retry.Policy {
	return retry.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts, Factor: 2}
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
	return out
}

func TestConnector_ReconnectsAndPreservesOrder(t *testing.T) {
	e1, e2, e3 := testEvent(t, 1), testEvent(t, 2), testEvent(t, 3)
	src := &scriptedSource{conns: []*scriptedConn{
		{events: []Event{e1, e2}, failAt: errors.New("reset by peer")},
		nil, // one failed reconnect
		{events: []Event{e3, e3}},
	}}
	c := NewConnector(src, Config{Backoff: fastBackoff(5)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := c.Subscribe(ctx)

	got := collect(t, sub, 4)
	require.Len(t, got, 4)
	assert.Equal(t, e1.Snapshot.Mint, got[0].Snapshot.Mint)
	assert.Equal(t, e2.Snapshot.Mint, got[1].Snapshot.Mint)
	assert.Equal(t, e3.Snapshot.Mint, got[2].Snapshot.Mint)
	assert.Equal(t, e3.Snapshot.Mint, got[3].Snapshot.Mint, "duplicates pass through")

	cancel()
	<-sub.Done()
	assert.NoError(t, sub.Err())
	assert.Equal(t, int64(2), c.Stats().Sessions)
	assert.Equal(t, int64(2), c.Stats().Reconnects)
}

func TestConnector_ExhaustsRetryBudget(t *testing.T) {
	src := &scriptedSource{}
	c := NewConnector(src, Config{Backoff: fastBackoff(3)})

	sub := c.Subscribe(context.Background())
	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}

	assert.ErrorIs(t, sub.Err(), domain.ErrConnectionExhausted)
	assert.Equal(t, 4, src.Dials(), "initial dial plus three retries")
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestConnector_RestartAfterExhaustion(t *testing.T) {
	src := &scriptedSource{}
	c := NewConnector(src, Config{Backoff: fastBackoff(0)})

	first := c.Subscribe(context.Background())
	<-first.Done()
	require.ErrorIs(t, first.Err(), domain.ErrConnectionExhausted)

	e := testEvent(t, 9)
	src.mu.Lock()
	src.conns = []*scriptedConn{{events: []Event{e}}}
	src.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	second := c.Subscribe(ctx)
	got := collect(t, second, 1)
	require.Len(t, got, 1)
	assert.Equal(t, e.Snapshot.Mint, got[0].Snapshot.Mint)
}

func TestParsePumpMessage(t *testing.T) {
	now := time.Now()
	mint, creator := addr(5), addr(6)

	t.Run("create", func(t *testing.T) {
		raw := `{"signature":"sig1","mint":"` + mint + `","traderPublicKey":"` + creator + `",
			"txType":"create","name":"Dog","symbol":"DOG","pool":"pump",
			"vSolInBondingCurve":30,"vTokensInBondingCurve":1000000000}`
		ev, ok, err := parsePumpMessage([]byte(raw), now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, KindCreated, ev.Kind)
		assert.Equal(t, mint, ev.Snapshot.Mint)
		assert.Equal(t, creator, ev.Snapshot.Creator)
		assert.Equal(t, "30", ev.Snapshot.LiquiditySOL.String())
		assert.Equal(t, "0.00000003", ev.Snapshot.PriceSOL.String())
	})

	t.Run("migrate", func(t *testing.T) {
		raw := `{"signature":"sig2","mint":"` + mint + `","txType":"migrate","pool":"pump-amm"}`
		ev, ok, err := parsePumpMessage([]byte(raw), now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, KindMigrated, ev.Kind)
	})

	t.Run("ack", func(t *testing.T) {
		_, ok, err := parsePumpMessage([]byte(`{"message":"Successfully subscribed to token creation events."}`), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("bad mint", func(t *testing.T) {
		_, _, err := parsePumpMessage([]byte(`{"mint":"xyz","txType":"create"}`), now)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, err := parsePumpMessage([]byte(`not json`), now)
		assert.Error(t, err)
	})
}

func TestPumpPortalSource_EndToEnd(t *testing.T) {
	mint := addr(7)
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		var req map[string]string
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		subscribed <- req["method"]

		ws.WriteMessage(websocket.TextMessage, []byte(`{"message":"Successfully subscribed"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"mint":"`+mint+`","txType":"create","name":"Cat","vSolInBondingCurve":12,"vTokensInBondingCurve":600}`))

		// Keep the session open until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	src := NewPumpPortalSource(PumpPortalConfig{
		Endpoint:     "ws" + strings.TrimPrefix(server.URL, "http"),
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := src.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	ev, err := conn.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, mint, ev.Snapshot.Mint)
	assert.Equal(t, "Cat", ev.Snapshot.Name)
	assert.Equal(t, "0.02", ev.Snapshot.PriceSOL.String())
	assert.Equal(t, "subscribeNewToken", <-subscribed)
}
