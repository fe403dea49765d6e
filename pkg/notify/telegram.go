package notify

import (
	"context"
	"fmt"

	"github.com/babylonwatch/sentinel/pkg/alerts"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"go.uber.org/zap"
)

// TelegramSink delivers alerts to a Telegram chat.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

// NewTelegramSink authenticates the bot token against the Telegram API.
func NewTelegramSink(logger *zap.Logger, token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("telegram sink ready", zap.String("bot", api.Self.UserName))
	return &TelegramSink{api: api, chatID: chatID, logger: logger.Named("telegram")}, nil
}

// SendAlert implements alerts.Sink.
func (t *TelegramSink) SendAlert(_ context.Context, alert alerts.Alert) error {
	text := fmt.Sprintf("%s %s\n%s\n[%s | %s]",
		severityBadge(alert.Severity), alert.Title, alert.Message,
		alert.Network, alert.Timestamp.Format("2006-01-02 15:04:05 MST"))
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func severityBadge(s alerts.Severity) string {
	switch s {
	case alerts.SeverityCritical:
		return "🚨"
	case alerts.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
