package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nexus-trading/launchguard/internal/audit"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/nexus-trading/launchguard/internal/ledger"
	"github.com/nexus-trading/launchguard/internal/observability"
	"github.com/nexus-trading/launchguard/internal/risk"
	"github.com/nexus-trading/launchguard/internal/sniper"
	"github.com/rs/zerolog/log"
)

// controller is the operator surface shared by the HTTP control plane and
// the chat commands.
type controller struct {
	ledger  *ledger.Ledger
	monitor *sniper.Monitor
	risk    *risk.Engine
	trail   *audit.Trail
	health  *observability.HealthMonitor
	stats   func() map[string]any

	// closeTimeout bounds one manual close, including the sell.
	closeTimeout time.Duration
}

func (c *controller) Pause() {
	c.risk.Freeze("operator")
}

func (c *controller) Resume() bool {
	return c.risk.Resume()
}

// Kill engages the kill switch and closes every open position in the
// background.
func (c *controller) Kill() int {
	c.risk.Kill()
	open := c.ledger.OpenPositions()
	go func() {
		for _, p := range open {
			ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
			if _, err := c.monitor.CloseManual(ctx, p.ID); err != nil {
				log.Error().Err(err).Str("id", p.ID).Msg("control: kill close failed")
			}
			cancel()
		}
	}()
	return len(open)
}

func (c *controller) Status() string {
	rs := c.risk.Stats()
	ls := c.ledger.Stats()
	return fmt.Sprintf("<b>launchguard</b>\nOpen: %d | Closing: %d\nPaused: %t | Killed: %t\nDaily spent: %s SOL | Daily PnL: %s SOL\nRealized PnL: %s SOL",
		ls.Open, ls.Closing, rs.Paused, rs.Killed, rs.DailySpentSOL, rs.DailyPnLSOL, ls.RealizedPnL)
}

// routes builds the control plane mux.
func (c *controller) routes() http.Handler {
	mux := http.NewServeMux()

	// ── Health ──
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		h := c.health.Check(r.Context())
		code := http.StatusOK
		if h.Status == observability.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	})

	// ── Stats ──
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, c.stats())
	})

	// ── Positions ──
	mux.HandleFunc("GET /positions", func(w http.ResponseWriter, r *http.Request) {
		f := ledger.Filter{Mint: r.URL.Query().Get("mint"), Mode: domain.Mode(r.URL.Query().Get("mode"))}
		if s := r.URL.Query().Get("status"); s != "" {
			f.Statuses = []domain.Status{domain.Status(s)}
		}
		writeJSON(w, http.StatusOK, c.ledger.List(f))
	})
	mux.HandleFunc("GET /positions/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := c.ledger.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	})
	mux.HandleFunc("POST /positions/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), c.closeTimeout)
		defer cancel()
		p, err := c.monitor.CloseManual(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("control: manual close failed")
			writeError(w, err)
			return
		}
		log.Info().Str("id", id).Str("pnl_sol", p.RealizedPnL.String()).Msg("control: position closed by operator")
		writeJSON(w, http.StatusOK, p)
	})

	// ── Decisions ──
	mux.HandleFunc("GET /decisions", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if trace := q.Get("trace_id"); trace != "" {
			d, ok := c.trail.Query(trace)
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "decision not found"})
				return
			}
			writeJSON(w, http.StatusOK, d)
			return
		}
		if mint := q.Get("mint"); mint != "" {
			writeJSON(w, http.StatusOK, c.trail.ByMint(mint))
			return
		}
		n := 50
		if s := q.Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			n = v
		}
		writeJSON(w, http.StatusOK, c.trail.Recent(n))
	})

	// ── Control Plane ──
	mux.HandleFunc("POST /control/pause", func(w http.ResponseWriter, _ *http.Request) {
		c.Pause()
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	})
	mux.HandleFunc("POST /control/resume", func(w http.ResponseWriter, _ *http.Request) {
		if !c.Resume() {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "kill switch is active"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
	})
	mux.HandleFunc("POST /control/kill", func(w http.ResponseWriter, _ *http.Request) {
		n := c.Kill()
		writeJSON(w, http.StatusOK, map[string]any{"status": "killed", "closing": n})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("control: write response")
	}
}

// writeError maps ledger errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPositionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrPositionNotOpen):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrExecutionFailed):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
