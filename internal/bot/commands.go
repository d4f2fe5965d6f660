package bot

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	appLog "github.com/tazhate/calsched/internal/log"
)

const helpText = `<b>Напоминания календаря</b>

/start you@example.com — присылать напоминания DISPLAY в этот чат
/stop — больше не присылать
/help — эта справка`

// reply handles one incoming message and returns the answer, "" for none.
func (b *Bot) reply(ctx context.Context, msg *tgbotapi.Message) string {
	if !msg.IsCommand() {
		return ""
	}
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		if args == "" {
			return helpText
		}
		email := strings.TrimPrefix(strings.ToLower(args), "mailto:")
		ok, err := b.linker.LinkTelegramChat(ctx, email, chatID)
		if err != nil {
			appLog.Error("link telegram chat", err, "chat_id", chatID)
			return "Не получилось привязать чат, попробуй позже"
		}
		if !ok {
			return fmt.Sprintf("Адрес <code>%s</code> не найден", html.EscapeString(email))
		}
		return fmt.Sprintf("✅ Напоминания для <b>%s</b> будут приходить сюда", html.EscapeString(email))
	case "stop":
		if err := b.linker.UnlinkTelegramChat(ctx, chatID); err != nil {
			appLog.Error("unlink telegram chat", err, "chat_id", chatID)
			return "Не получилось отвязать чат, попробуй позже"
		}
		return "🔕 Чат отвязан"
	case "help":
		return helpText
	default:
		return "Неизвестная команда. /help для списка команд"
	}
}
