package mail

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildSetsRecipientAndContent(t *testing.T) {
	s := NewSendGridSender("key", "billing@example.com", "Billing")
	m, err := s.build(Message{ToName: "ACME", ToEmail: "ap@acme.test", Subject: "Invoice 7 issued", Text: "hello"})
	require.NoError(t, err)

	require.Equal(t, "billing@example.com", m.From.Address)
	require.Equal(t, "Invoice 7 issued", m.Subject)
	require.Len(t, m.Personalizations, 1)
	require.Equal(t, "ap@acme.test", m.Personalizations[0].To[0].Address)
	require.Len(t, m.Content, 1)
	require.Equal(t, "text/plain", m.Content[0].Type)
}

func TestBuildRequiresRecipient(t *testing.T) {
	s := NewSendGridSender("key", "billing@example.com", "Billing")
	_, err := s.build(Message{Subject: "x"})
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestLogSender(t *testing.T) {
	require.NoError(t, LogSender{}.Send(context.Background(), Message{ToEmail: "a@b.test"}))
	require.ErrorIs(t, LogSender{}.Send(context.Background(), Message{}), ErrNoRecipient)
}

func TestCompose(t *testing.T) {
	msg, ok := Compose("ap@acme.test", DocumentNotice{Event: "document.paid", Kind: "INVOICE", Number: "42", ClientName: "ACME", Amount: "216.00 EUR"})
	require.True(t, ok)
	require.Equal(t, "Payment received for invoice 42", msg.Subject)
	require.Contains(t, msg.Text, "Hello ACME")
	require.Contains(t, msg.Text, "216.00 EUR")

	_, ok = Compose("ap@acme.test", DocumentNotice{Event: "document.updated"})
	require.False(t, ok)
}
