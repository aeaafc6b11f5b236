// Package notify turns bus events into chat messages.
package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/launchguard/internal/bus"
	"github.com/nexus-trading/launchguard/internal/domain"
	"github.com/rs/zerolog/log"
)

// Sender delivers one formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Config configures the notifier.
type Config struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	Rejections  bool          `yaml:"rejections"` // also post RejectionLogged
}

// Notifier drains a bus subscription into a Sender. Delivery is best effort:
// a failed send is counted and logged, never retried.
type Notifier struct {
	config Config
	sender Sender

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// New creates a notifier.
func New(config Config, sender Sender) *Notifier {
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	return &Notifier{config: config, sender: sender}
}

// Run posts every event until the channel closes or ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.Notify(ctx, ev)
		}
	}
}

// Notify formats and sends a single event.
func (n *Notifier) Notify(ctx context.Context, ev bus.Event) {
	if ev.Kind() == bus.KindRejectionLogged && !n.config.Rejections {
		n.skipped.Add(1)
		return
	}
	text, ok := Format(ev)
	if !ok {
		n.skipped.Add(1)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, n.config.SendTimeout)
	defer cancel()
	if err := n.sender.Send(sctx, text); err != nil {
		n.failed.Add(1)
		log.Warn().Err(err).Str("kind", ev.Kind()).Str("mint", domain.ShortAddress(ev.Key())).
			Msg("notify: send failed")
		return
	}
	n.sent.Add(1)
}

// Format renders ev as Telegram HTML. Unknown event kinds return false.
func Format(ev bus.Event) (string, bool) {
	switch e := ev.(type) {
	case bus.NewAlert:
		return formatAlert(e), true
	case bus.PositionOpened:
		return formatOpened(e.Position), true
	case bus.PositionClosed:
		return formatClosed(e.Position), true
	case bus.RejectionLogged:
		return formatRejection(e), true
	default:
		return "", false
	}
}

func label(name, symbol, mint string) string {
	return html.EscapeString(domain.DisplayName(name, symbol, mint))
}

func formatAlert(e bus.NewAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>NEW TOKEN</b> %s", label(e.Name, e.Symbol, e.Mint))
	if e.Name != "" && e.Symbol != "" {
		fmt.Fprintf(&b, " ($%s)", html.EscapeString(e.Symbol))
	}
	fmt.Fprintf(&b, "\n<code>%s</code>\n", e.Mint)
	fmt.Fprintf(&b, "Source: %s\n", e.Source)
	fmt.Fprintf(&b, "Liquidity: %s SOL | Holders: %d | Top10: %.1f%%\n",
		e.LiquiditySOL.StringFixed(2), e.Holders, e.TopHolderPct)
	fmt.Fprintf(&b, "Safety: %.0f/100", e.Verdict.Score)
	if len(e.Verdict.Providers) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Verdict.Providers, ", "))
	}
	if len(e.Verdict.Missing) > 0 {
		fmt.Fprintf(&b, "\nMissing: %s", strings.Join(e.Verdict.Missing, ", "))
	}
	if !e.Trading {
		b.WriteString("\nAlert only")
	}
	return b.String()
}

func formatOpened(p domain.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🟢 <b>BUY</b> %s [%s]\n", label("", p.Symbol, p.Mint), p.Mode)
	fmt.Fprintf(&b, "Entry: %s SOL\n", p.EntryPrice.String())
	fmt.Fprintf(&b, "Size: %s SOL\n", p.EntryAmountSOL.StringFixed(4))
	fmt.Fprintf(&b, "SL %.0f%% | TP %.0f%% | TS %.0f%%", p.Exit.StopLossPct, p.Exit.TakeProfitPct, p.Exit.TrailingStopPct)
	return b.String()
}

func formatClosed(p domain.Position) string {
	icon := "🔴"
	if p.RealizedPnL.IsPositive() {
		icon = "💰"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>SELL</b> %s [%s]\n", icon, label("", p.Symbol, p.Mint), p.Mode)
	fmt.Fprintf(&b, "Reason: %s\n", p.CloseReason)
	fmt.Fprintf(&b, "Entry: %s → Exit: %s SOL\n", p.EntryPrice.String(), p.ExitPrice.String())
	fmt.Fprintf(&b, "PnL: %s SOL (%+.1f%%)", signed(p.RealizedPnL.StringFixed(4)), p.PnLPct())
	return b.String()
}

func formatRejection(e bus.RejectionLogged) string {
	stage := e.Stage
	if e.Rule != "" {
		stage += "/" + e.Rule
	}
	return fmt.Sprintf("⛔ <b>REJECTED</b> %s\nStage: %s\nReason: %s",
		label(e.Name, e.Symbol, e.Mint), stage, html.EscapeString(e.Reason))
}

func signed(s string) string {
	if strings.HasPrefix(s, "-") {
		return s
	}
	return "+" + s
}

// Stats are delivery counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

func (n *Notifier) Stats() Stats {
	return Stats{Sent: n.sent.Load(), Failed: n.failed.Load(), Skipped: n.skipped.Load()}
}
