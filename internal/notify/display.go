package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/recur"
)

type Messenger interface {
	SendMessage(chatID int64, text string) error
}

// DisplayProvider shows DISPLAY reminders as Telegram messages to every
// recipient who linked a chat.
type DisplayProvider struct {
	bot Messenger
	loc *time.Location
}

func NewDisplayProvider(bot Messenger, loc *time.Location) *DisplayProvider {
	return &DisplayProvider{bot: bot, loc: loc}
}

func (p *DisplayProvider) Type() domain.ReminderType {
	return domain.ReminderDisplay
}

func (p *DisplayProvider) Send(ctx context.Context, occ recur.Occurrence, calendarName string, recipients []*domain.Principal) error {
	d := describe(occ, calendarName, p.loc)

	var sb strings.Builder
	fmt.Fprintf(&sb, "🔔 <b>%s</b>\n📅 %s", html.EscapeString(d.Title), d.When)
	if d.Location != "" {
		fmt.Fprintf(&sb, "\n📍 %s", html.EscapeString(d.Location))
	}
	if d.Calendar != "" {
		fmt.Fprintf(&sb, "\n🗂 %s", html.EscapeString(d.Calendar))
	}
	text := sb.String()

	seen := make(map[int64]bool)
	var errs []error
	for _, r := range recipients {
		if r.TelegramChatID == 0 || seen[r.TelegramChatID] {
			continue
		}
		seen[r.TelegramChatID] = true
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.bot.SendMessage(r.TelegramChatID, text); err != nil {
			errs = append(errs, fmt.Errorf("telegram chat %d: %w", r.TelegramChatID, err))
		}
	}
	return errors.Join(errs...)
}
