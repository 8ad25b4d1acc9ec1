// Package notify pushes run summaries to the operator's Telegram chat.
// Delivery is best effort: a missing token disables it and a send
// failure is logged, never propagated to the campaign run.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Notifier sends plain-text messages to a fixed chat. The zero value
// (and a nil pointer) is a no-op, so callers never branch on whether
// notifications are configured.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// New connects to the Telegram Bot API. An empty token returns a nil
// Notifier, which silently drops every message.
func New(token string, chatID int64, log *zap.Logger) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info("telegram notifications enabled", zap.String("bot", bot.Self.UserName))
	return &Notifier{bot: bot, chatID: chatID, log: log}, nil
}

// Notify sends one message to the operator chat.
func (n *Notifier) Notify(text string) {
	if n == nil {
		return
	}
	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		n.log.Warn("telegram notify failed", zap.Error(err))
	}
}

// Notifyf formats and sends one message.
func (n *Notifier) Notifyf(format string, args ...any) {
	if n == nil {
		return
	}
	n.Notify(fmt.Sprintf(format, args...))
}
