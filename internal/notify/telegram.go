package notify

import (
	"context"
	"fmt"
	"html"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kidguard/kidguard/internal/config"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel sends operator notifications via a Telegram bot.
type TelegramChannel struct {
	cfg config.TelegramNotifyConfig

	mu  sync.Mutex
	bot telegramSender
}

// NewTelegram creates a TelegramChannel from cfg. The bot is authorized on
// first use.
func NewTelegram(cfg config.TelegramNotifyConfig) *TelegramChannel {
	return &TelegramChannel{cfg: cfg}
}

func (t *TelegramChannel) Name() string       { return "telegram" }
func (t *TelegramChannel) IsConfigured() bool { return t.cfg.BotToken != "" && t.cfg.ChatID != 0 }

func (t *TelegramChannel) Send(_ context.Context, evt Event) error {
	bot, err := t.sender()
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.cfg.ChatID, formatTelegram(evt))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

func (t *TelegramChannel) sender() (telegramSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(t.cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("authorizing telegram bot: %w", err)
	}
	t.bot = bot
	return bot, nil
}

// formatTelegram renders evt as Telegram HTML, capped at the 4096-char limit.
func formatTelegram(evt Event) string {
	text := "<b>" + html.EscapeString(evt.Title) + "</b>\n\n" + html.EscapeString(evt.Body)
	if evt.DeviceID != "" {
		text += "\n\ndevice: <code>" + html.EscapeString(evt.DeviceID) + "</code>"
	}
	if r := []rune(text); len(r) > 4096 {
		text = string(r[:4093]) + "..."
	}
	return text
}
