package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/task"
	"notifyd/pkg/logx"
)

// TelegramConfig configures the telegram deliverer.
type TelegramConfig struct {
	Token string
}

// Telegram sends messages through the Bot API. It is send-only: no
// poller is attached and no updates are consumed.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log}, nil
}

func (t *Telegram) Send(ctx context.Context, target task.NotificationConfig, msg Message) error {
	text := msg.Text
	if len(msg.Mentions) > 0 {
		text = strings.Join(msg.Mentions, " ") + "\n" + text
	}
	opts := &tele.SendOptions{}
	if msg.Format == task.FormatMarkdown {
		opts.ParseMode = tele.ModeMarkdown
	}

	done := make(chan error, 1)
	go func() { // telebot's Send has no context variant
		_, err := t.bot.Send(tele.ChatID(target.ChatID), text, opts)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	t.log.Debug("telegram delivered", logx.Int64("chat_id", target.ChatID))
	return nil
}
