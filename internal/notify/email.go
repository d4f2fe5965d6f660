package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/clients/mailer"
	"github.com/tazhate/calsched/internal/domain"
	"github.com/tazhate/calsched/internal/recur"
)

type MailSender interface {
	Send(ctx context.Context, msg *mailer.Message) error
}

// EmailProvider mails EMAIL reminders, one message per recipient.
type EmailProvider struct {
	mail MailSender
	loc  *time.Location
}

func NewEmailProvider(m MailSender, loc *time.Location) *EmailProvider {
	return &EmailProvider{mail: m, loc: loc}
}

func (p *EmailProvider) Type() domain.ReminderType {
	return domain.ReminderEmail
}

func (p *EmailProvider) Send(ctx context.Context, occ recur.Occurrence, calendarName string, recipients []*domain.Principal) error {
	d := describe(occ, calendarName, p.loc)

	var body strings.Builder
	fmt.Fprintf(&body, "%s\n\nWhen: %s\n", d.Title, d.When)
	if d.Location != "" {
		fmt.Fprintf(&body, "Where: %s\n", d.Location)
	}
	if d.Calendar != "" {
		fmt.Fprintf(&body, "Calendar: %s\n", d.Calendar)
	}
	if occ.Event != nil {
		if desc := occ.Event.Description(); desc != "" {
			fmt.Fprintf(&body, "\n%s\n", desc)
		}
	}

	var errs []error
	for _, to := range mailRecipients(occ, recipients) {
		err := p.mail.Send(ctx, &mailer.Message{
			To:      []mailer.Address{to},
			Subject: fmt.Sprintf("Notification: %s @ %s", d.Title, d.When),
			Text:    body.String(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mail %s: %w", to.Email, err))
		}
	}
	return errors.Join(errs...)
}

// mailRecipients is the event's organizer followed by the principals, each
// address once.
func mailRecipients(occ recur.Occurrence, principals []*domain.Principal) []mailer.Address {
	var out []mailer.Address
	seen := make(map[string]bool)
	add := func(name, email string) {
		key := strings.ToLower(strings.TrimSpace(email))
		if !strings.Contains(key, "@") || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, mailer.Address{Name: name, Email: strings.TrimSpace(email)})
	}

	if occ.Event != nil {
		if org := occ.Event.Organizer(); org != nil {
			add(org.Name, calobj.MailAddress(org.Address))
		}
	}
	for _, r := range principals {
		add(r.DisplayName, r.Email)
	}
	return out
}
