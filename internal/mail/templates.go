package mail

import (
	"fmt"
	"strings"
)

// DocumentNotice describes a document lifecycle change sent to a client.
type DocumentNotice struct {
	Event      string
	Kind       string
	Number     string
	ClientName string
	Amount     string
}

// Compose turns a notice into a message. ok is false for events clients are
// not told about.
func Compose(to string, n DocumentNotice) (Message, bool) {
	label := kindLabel(n.Kind)
	var subject, body string
	switch n.Event {
	case "document.status_changed":
		subject = fmt.Sprintf("%s %s issued", label, n.Number)
		body = fmt.Sprintf("Your %s %s for %s has been issued.", strings.ToLower(label), n.Number, n.Amount)
	case "document.paid":
		subject = fmt.Sprintf("Payment received for %s %s", strings.ToLower(label), n.Number)
		body = fmt.Sprintf("We received your payment of %s for %s %s. Thank you.", n.Amount, strings.ToLower(label), n.Number)
	default:
		return Message{}, false
	}
	greeting := "Hello"
	if n.ClientName != "" {
		greeting = "Hello " + n.ClientName
	}
	text := greeting + ",\n\n" + body + "\n"
	return Message{
		ToName:  n.ClientName,
		ToEmail: to,
		Subject: subject,
		Text:    text,
	}, true
}

func kindLabel(kind string) string {
	switch kind {
	case "QUOTE":
		return "Quote"
	case "CREDIT_NOTE":
		return "Credit note"
	default:
		return "Invoice"
	}
}
