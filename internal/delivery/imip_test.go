package delivery

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calsched/internal/calobj"
	"github.com/tazhate/calsched/internal/clients/mailer"
	"github.com/tazhate/calsched/internal/itip"
)

type fakeMail struct {
	sent []*mailer.Message
}

func (f *fakeMail) Send(_ context.Context, msg *mailer.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}

const invite = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:E1
DTSTAMP:20231201T000000Z
DTSTART:20240101T090000Z
SUMMARY:Standup
ORGANIZER;CN=Olga:mailto:olga@example.com
ATTENDEE:mailto:bob@example.com
END:VEVENT
END:VCALENDAR
`

func TestIMIPDeliver(t *testing.T) {
	before, err := calobj.Parse([]byte(strings.ReplaceAll(strings.Replace(invite, "ATTENDEE:mailto:bob@example.com\n", "", 1), "\n", "\r\n")))
	require.NoError(t, err)
	after, err := calobj.Parse([]byte(strings.ReplaceAll(invite, "\n", "\r\n")))
	require.NoError(t, err)

	msgs, err := itip.ComputeMessages(before, after, []string{"mailto:olga@example.com"}, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := &fakeMail{}
	require.NoError(t, NewIMIP(m).Deliver(context.Background(), msgs[0]))
	require.Len(t, m.sent, 1)

	sent := m.sent[0]
	assert.Equal(t, "bob@example.com", sent.To[0].Email)
	assert.Equal(t, "Invitation: Standup", sent.Subject)
	assert.Equal(t, itip.MethodRequest, sent.Method)
	assert.Contains(t, string(sent.Calendar), "METHOD:REQUEST")
	assert.Contains(t, sent.Text, "Olga has invited you")
}

func TestIMIPRejects(t *testing.T) {
	m := &fakeMail{}
	sink := NewIMIP(m)

	err := sink.Deliver(context.Background(), &itip.Message{Recipient: "urn:uuid:1234", Payload: calobj.New()})
	assert.Error(t, err)
	err = sink.Deliver(context.Background(), &itip.Message{Recipient: "mailto:bob@example.com"})
	assert.Error(t, err)
	assert.Empty(t, m.sent)
}
