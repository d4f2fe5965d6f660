// Package bot wraps the Telegram Bot API: it delivers DISPLAY reminders and
// lets principals link their chat with /start <email>.
package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "github.com/tazhate/calsched/internal/log"
)

// ChatLinker stores the chat a principal wants reminders in.
type ChatLinker interface {
	LinkTelegramChat(ctx context.Context, email string, chatID int64) (bool, error)
	UnlinkTelegramChat(ctx context.Context, chatID int64) error
}

type Bot struct {
	api    *tgbotapi.BotAPI
	linker ChatLinker
}

func New(token string, linker ChatLinker) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, linker), nil
}

// NewWithEndpoint talks to a Bot API server other than api.telegram.org.
func NewWithEndpoint(token, endpoint string, linker ChatLinker) (*Bot, error) {
	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, linker), nil
}

func newBot(api *tgbotapi.BotAPI, linker ChatLinker) *Bot {
	appLog.Info("telegram bot authorized", "username", api.Self.UserName)

	b := &Bot{api: api, linker: linker}
	b.setCommands()
	return b
}

func (b *Bot) setCommands() {
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "Привязать чат: /start you@example.com"},
		{Command: "stop", Description: "Отвязать чат"},
		{Command: "help", Description: "Справка"},
	}

	cfg := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cfg); err != nil {
		appLog.Warn("failed to set bot commands", "err", err)
	}
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			if text := b.reply(ctx, update.Message); text != "" {
				if err := b.SendMessage(update.Message.Chat.ID, text); err != nil {
					appLog.Error("send reply", err, "chat_id", update.Message.Chat.ID)
				}
			}
		}
	}
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Send(msg)
	return err
}
