package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// PumpPortal source: new-token and migration stream over a websocket
// ---------------------------------------------------------------------------

// PumpPortalConfig configures the websocket source.
type PumpPortalConfig struct {
	Endpoint         string
	SubscribeMigrate bool
	PingInterval     time.Duration
	ReadTimeout      time.Duration
}

// PumpPortalSource dials the PumpPortal data stream.
type PumpPortalSource struct {
	config PumpPortalConfig
	dialer websocket.Dialer

	invalid atomic.Int64
}

// NewPumpPortalSource creates the source.
func NewPumpPortalSource(config PumpPortalConfig) *PumpPortalSource {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	return &PumpPortalSource{
		config: config,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Invalid returns how many messages were dropped as unparseable.
func (s *PumpPortalSource) Invalid() int64 { return s.invalid.Load() }

// Dial connects and sends the subscription requests.
func (s *PumpPortalSource) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := s.dialer.DialContext(ctx, s.config.Endpoint, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", s.config.Endpoint, err)
	}

	methods := []string{"subscribeNewToken"}
	if s.config.SubscribeMigrate {
		methods = append(methods, "subscribeMigration")
	}
	for _, m := range methods {
		if err := ws.WriteJSON(map[string]string{"method": m}); err != nil {
			ws.Close()
			return nil, fmt.Errorf("feed: write %s: %w", m, err)
		}
	}

	c := &pumpConn{source: s, ws: ws, stopPing: make(chan struct{})}
	go c.pingLoop(s.config.PingInterval)

	log.Info().Str("endpoint", s.config.Endpoint).Strs("subscriptions", methods).Msg("feed: subscribed")
	return c, nil
}

type pumpConn struct {
	source   *PumpPortalSource
	ws       *websocket.Conn
	stopPing chan struct{}
	closed   atomic.Bool
}

func (c *pumpConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("feed: ping failed")
				return
			}
		}
	}
}

func (c *pumpConn) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		c.ws.SetReadDeadline(time.Now().Add(c.source.config.ReadTimeout))

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Event{}, fmt.Errorf("feed: closed by server: %w", err)
			}
			return Event{}, fmt.Errorf("feed: read: %w", err)
		}

		ev, ok, err := parsePumpMessage(data, time.Now())
		if err != nil {
			c.source.invalid.Add(1)
			log.Debug().Err(err).Msg("feed: dropping unparseable message")
			continue
		}
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (c *pumpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopPing)
	return c.ws.Close()
}

// pumpMessage is the wire shape of create and migrate notifications.
type pumpMessage struct {
	Signature       string  `json:"signature"`
	Mint            string  `json:"mint"`
	TraderPublicKey string  `json:"traderPublicKey"`
	TxType          string  `json:"txType"`
	Name            string  `json:"name"`
	Symbol          string  `json:"symbol"`
	Pool            string  `json:"pool"`
	VSolInCurve     float64 `json:"vSolInBondingCurve"`
	VTokensInCurve  float64 `json:"vTokensInBondingCurve"`
	MarketCapSol    float64 `json:"marketCapSol"`
	Message         string  `json:"message"`
	Errors          string  `json:"errors"`
}

var errNotAnEvent = errors.New("not a discovery event")

// parsePumpMessage returns ok=false for control messages (subscription
// acknowledgements) and an error for malformed events.
func parsePumpMessage(data []byte, now time.Time) (Event, bool, error) {
	var msg pumpMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, fmt.Errorf("decode: %w", err)
	}
	if msg.Errors != "" {
		return Event{}, false, fmt.Errorf("source error: %s", msg.Errors)
	}
	if msg.Mint == "" {
		if msg.Message != "" {
			log.Debug().Str("message", msg.Message).Msg("feed: control message")
		}
		return Event{}, false, nil
	}

	var kind Kind
	switch msg.TxType {
	case "create":
		kind = KindCreated
	case "migrate":
		kind = KindMigrated
	default:
		return Event{}, false, fmt.Errorf("%w: txType %q", errNotAnEvent, msg.TxType)
	}

	liquidity := decimal.NewFromFloat(msg.VSolInCurve)
	price := decimal.Zero
	if msg.VTokensInCurve > 0 {
		price = liquidity.Div(decimal.NewFromFloat(msg.VTokensInCurve))
	}

	snap, err := domain.NewTokenSnapshot(domain.SnapshotParams{
		Mint:         msg.Mint,
		Name:         msg.Name,
		Symbol:       msg.Symbol,
		LiquiditySOL: liquidity,
		PriceSOL:     price,
		Creator:      msg.TraderPublicKey,
		LaunchedAt:   now,
	}, now)
	if err != nil {
		return Event{}, false, err
	}

	return Event{
		Kind:       kind,
		Snapshot:   snap,
		Signature:  msg.Signature,
		Pool:       msg.Pool,
		ReceivedAt: now,
	}, true, nil
}
