// Package delivery sends scheduling messages to recipients outside this server.
package delivery

import (
	"context"
	"fmt"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/clients/mailer"
	"github.com/tazhate/calsched/internal/itip"
)

// Sink accepts a scheduling message for an external recipient.
type Sink interface {
	Deliver(ctx context.Context, msg *itip.Message) error
}

type MailSender interface {
	Send(ctx context.Context, msg *mailer.Message) error
}

// IMIP mails messages as text/calendar (RFC 6047).
type IMIP struct {
	mail MailSender
}

func NewIMIP(m MailSender) *IMIP {
	return &IMIP{mail: m}
}

func (s *IMIP) Deliver(ctx context.Context, msg *itip.Message) error {
	to := calobj.MailAddress(msg.Recipient)
	if to == msg.Recipient || to == "" {
		return fmt.Errorf("recipient %q is not a mailto address", msg.Recipient)
	}
	if msg.Payload == nil {
		return fmt.Errorf("message for %s has no payload", msg.Recipient)
	}

	data, err := msg.Payload.Encode()
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	summary := ""
	if events := msg.Payload.Events(); len(events) > 0 {
		summary = events[0].Summary()
	}
	if summary == "" {
		summary = msg.UID
	}

	err = s.mail.Send(ctx, &mailer.Message{
		To:       []mailer.Address{{Name: msg.RecipientName, Email: to}},
		Subject:  subject(msg, summary),
		Text:     body(msg, summary),
		Calendar: data,
		Method:   msg.Method,
	})
	if err != nil {
		return fmt.Errorf("imip to %s: %w", to, err)
	}
	return nil
}

func subject(msg *itip.Message, summary string) string {
	switch msg.Method {
	case itip.MethodCancel:
		return "Cancelled: " + summary
	case itip.MethodReply:
		return "Re: " + summary
	default:
		if !msg.SignificantChange {
			return "Updated: " + summary
		}
		return "Invitation: " + summary
	}
}

func body(msg *itip.Message, summary string) string {
	sender := msg.SenderName
	if sender == "" {
		sender = calobj.MailAddress(msg.Sender)
	}
	switch msg.Method {
	case itip.MethodCancel:
		return fmt.Sprintf("%s has cancelled %q.\n", sender, summary)
	case itip.MethodReply:
		return fmt.Sprintf("%s has replied to %q.\n", sender, summary)
	default:
		return fmt.Sprintf("%s has invited you to %q.\n", sender, summary)
	}
}
