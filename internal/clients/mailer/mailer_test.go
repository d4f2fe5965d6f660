package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func newTestMailer(c *captured) *Mailer {
	m := New(Config{Host: "smtp.example.com", From: "calendar@example.com", FromName: "Calendar"})
	m.now = func() time.Time { return time.Date(2024, 1, 1, 8, 50, 0, 0, time.UTC) }
	return m.WithSendFunc(func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = addr, from, to, msg
		return nil
	})
}

func TestSendPlain(t *testing.T) {
	var c captured
	m := newTestMailer(&c)

	err := m.Send(context.Background(), &Message{
		To:      []Address{{Name: "Bob", Email: "bob@example.com"}},
		Subject: "Standup at 09:00",
		Text:    "Standup starts in 10 minutes",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", c.addr)
	assert.Equal(t, "calendar@example.com", c.from)
	assert.Equal(t, []string{"bob@example.com"}, c.to)

	mr, err := mail.CreateReader(bytes.NewReader(c.msg))
	require.NoError(t, err)
	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Standup at 09:00", subject)

	p, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(p.Body)
	require.NoError(t, err)
	assert.Equal(t, "Standup starts in 10 minutes", string(body))
}

func TestSendCalendar(t *testing.T) {
	var c captured
	m := newTestMailer(&c)
	ics := []byte("BEGIN:VCALENDAR\r\nMETHOD:REQUEST\r\nEND:VCALENDAR\r\n")

	err := m.Send(context.Background(), &Message{
		To:       []Address{{Email: "bob@example.com"}},
		Subject:  "Invitation: Standup",
		Text:     "You are invited",
		Calendar: ics,
		Method:   "REQUEST",
	})
	require.NoError(t, err)

	mr, err := mail.CreateReader(bytes.NewReader(c.msg))
	require.NoError(t, err)

	var (
		calendarType string
		attachment   string
	)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			if ct == "text/calendar" {
				calendarType = params["method"]
				body, _ := io.ReadAll(p.Body)
				assert.Contains(t, string(body), "METHOD:REQUEST")
			}
		case *mail.AttachmentHeader:
			attachment, _ = h.Filename()
		}
	}
	assert.Equal(t, "REQUEST", calendarType)
	assert.Equal(t, "invite.ics", attachment)
}

func TestSendErrors(t *testing.T) {
	var c captured
	m := newTestMailer(&c)
	assert.Error(t, m.Send(context.Background(), &Message{Subject: "x"}))

	m.WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	})
	err := m.Send(context.Background(), &Message{To: []Address{{Email: "bob@example.com"}}})
	assert.ErrorContains(t, err, "connection refused")

	disabled := New(Config{})
	assert.False(t, disabled.Enabled())
	assert.Error(t, disabled.Send(context.Background(), &Message{To: []Address{{Email: "bob@example.com"}}}))
}
