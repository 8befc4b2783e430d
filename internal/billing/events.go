package billing

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// EventType names a document lifecycle event.
type EventType string

const (
	EventCreated       EventType = "document.created"
	EventUpdated       EventType = "document.updated"
	EventStatusChanged EventType = "document.status_changed"
	EventPaid          EventType = "document.paid"
	EventDeleted       EventType = "document.deleted"
	EventRenamed       EventType = "document.draft_renamed"
)

// Event is published after a mutation commits.
type Event struct {
	Type        EventType `json:"type"`
	DocumentID  string    `json:"document_id"`
	WorkspaceID string    `json:"workspace_id"`
	Kind        Kind      `json:"kind"`
	Number      string    `json:"number"`
	From        Status    `json:"from,omitempty"`
	To          Status    `json:"to,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	ClientEmail string    `json:"client_email,omitempty"`
	ClientName  string    `json:"client_name,omitempty"`
	TotalTTC    float64   `json:"total_ttc"`
	At          time.Time `json:"at"`
}

// Notifier publishes events. Failures never roll back a mutation.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Auditor records who changed what.
type Auditor interface {
	Record(ctx context.Context, event Event) error
}

// FileStore keeps attachment bytes and returns a stable URL.
type FileStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, Event) error { return nil }

// AuditTrail records events into audit_logs.
type AuditTrail struct {
	logger *shared.AuditLogger
}

// NewAuditTrail adapts an AuditLogger to the Auditor port.
func NewAuditTrail(logger *shared.AuditLogger) *AuditTrail {
	return &AuditTrail{logger: logger}
}

func (a *AuditTrail) Record(ctx context.Context, event Event) error {
	meta := map[string]any{
		"kind":      event.Kind,
		"number":    event.Number,
		"total_ttc": event.TotalTTC,
	}
	if event.From != "" {
		meta["from"] = event.From
	}
	if event.To != "" {
		meta["to"] = event.To
	}
	return a.logger.Record(ctx, shared.AuditLog{
		ActorID:     event.ActorID,
		WorkspaceID: event.WorkspaceID,
		Action:      string(event.Type),
		Entity:      "billing_document",
		EntityID:    event.DocumentID,
		Meta:        meta,
		At:          event.At,
	})
}

func newEvent(t EventType, doc *Document, actor string, at time.Time) Event {
	return Event{
		Type:        t,
		DocumentID:  doc.ID,
		WorkspaceID: doc.WorkspaceID,
		Kind:        doc.Kind,
		Number:      doc.Number,
		To:          doc.Status,
		ActorID:     actor,
		ClientEmail: doc.Client.Email,
		ClientName:  doc.Client.Name,
		TotalTTC:    doc.FinalTotalTTC,
		At:          at,
	}
}
