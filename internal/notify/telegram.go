package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"
)

// Controller is what the chat commands can reach.
type Controller interface {
	Pause()
	Resume() bool
	Status() string
}

// Telegram posts to one chat and answers a few operator commands from that
// chat only.
type Telegram struct {
	bot  *tele.Bot
	chat tele.ChatID
}

// NewTelegram connects to the bot API. Commands are not served until Serve.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	log.Info().Str("bot", bot.Me.Username).Int64("chat_id", chatID).Msg("telegram: bot ready")
	return &Telegram{bot: bot, chat: tele.ChatID(chatID)}, nil
}

// Send posts text as HTML to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(t.chat, text, tele.ModeHTML, tele.NoPreview); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// Serve registers /status, /pause and /resume and polls until Stop.
func (t *Telegram) Serve(ctl Controller) {
	t.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Chat() == nil || c.Chat().ID != int64(t.chat) {
				return nil
			}
			return next(c)
		}
	})

	t.bot.Handle("/status", func(c tele.Context) error {
		return c.Send(ctl.Status(), tele.ModeHTML)
	})
	t.bot.Handle("/pause", func(c tele.Context) error {
		ctl.Pause()
		log.Warn().Int("message_id", c.Message().ID).Msg("telegram: trading paused by operator")
		return c.Send("⏸️ New positions paused")
	})
	t.bot.Handle("/resume", func(c tele.Context) error {
		if !ctl.Resume() {
			return c.Send("Kill switch is active, restart required")
		}
		log.Info().Int("message_id", c.Message().ID).Msg("telegram: trading resumed by operator")
		return c.Send("▶️ Trading resumed")
	})

	log.Info().Msg("telegram: command poller started")
	t.bot.Start()
}

// Stop ends the command poller.
func (t *Telegram) Stop() {
	t.bot.Stop()
}
