// Package mailer sends reminder and scheduling mail over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// SSL включает неявный TLS (порт 465); иначе SendMail сам делает STARTTLS.
	SSL bool
}

type Address struct {
	Name  string
	Email string
}

// Message is one outgoing mail. Calendar, when set, is attached as a
// text/calendar alternative so clients can act on the invitation.
type Message struct {
	To       []Address
	Subject  string
	Text     string
	Calendar []byte
	Method   string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	cfg  Config
	send SendFunc
	now  func() time.Time
}

func New(cfg Config) *Mailer {
	m := &Mailer{cfg: cfg, now: time.Now}
	m.send = smtp.SendMail
	if cfg.SSL {
		m.send = m.sendSSL
	}
	return m
}

// WithSendFunc replaces the SMTP transport.
func (m *Mailer) WithSendFunc(fn SendFunc) *Mailer {
	m.send = fn
	return m
}

func (m *Mailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

func (m *Mailer) Send(ctx context.Context, msg *Message) error {
	if !m.Enabled() {
		return fmt.Errorf("smtp is not configured")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := m.Build(msg)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	to := make([]string, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, a.Email)
	}

	addr := m.cfg.Host + ":" + m.port()
	if err := m.send(addr, auth, m.cfg.From, to, raw); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// Build renders msg as an RFC 5322 message.
func (m *Mailer) Build(msg *Message) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: m.cfg.FromName, Address: m.cfg.From}})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, a := range msg.To {
		to = append(to, &mail.Address{Name: a.Name, Address: a.Email})
	}
	h.SetAddressList("To", to)
	h.SetMessageID(uuid.NewString() + "@" + m.domain())

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mail writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(tw, th, []byte(msg.Text)); err != nil {
		return nil, err
	}
	if len(msg.Calendar) > 0 {
		var ch mail.InlineHeader
		params := map[string]string{"charset": "utf-8"}
		if msg.Method != "" {
			params["method"] = msg.Method
		}
		ch.SetContentType("text/calendar", params)
		if err := writePart(tw, ch, msg.Calendar); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline: %w", err)
	}

	if len(msg.Calendar) > 0 {
		var ah mail.AttachmentHeader
		ah.SetContentType("application/ics", nil)
		ah.SetFilename("invite.ics")
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("create attachment: %w", err)
		}
		if _, err := w.Write(msg.Calendar); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close mail writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(tw *mail.InlineWriter, h mail.InlineHeader, body []byte) error {
	w, err := tw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		return err
	}
	return w.Close()
}

func (m *Mailer) port() string {
	if m.cfg.Port != "" {
		return m.cfg.Port
	}
	if m.cfg.SSL {
		return "465"
	}
	return "587"
}

func (m *Mailer) domain() string {
	if i := strings.LastIndexByte(m.cfg.From, '@'); i >= 0 {
		return m.cfg.From[i+1:]
	}
	return "localhost"
}

// sendSSL sends over implicit TLS, which smtp.SendMail does not support.
func (m *Mailer) sendSSL(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("connect to smtp server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
