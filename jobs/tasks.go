package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
	"github.com/odyssey-erp/odyssey-billing/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskTypeDocumentEvent carries a committed billing document event.
	TaskTypeDocumentEvent = "billing:document_event"
	// TaskNumberingIntegrity audits finalized numbering scopes.
	TaskNumberingIntegrity = "billing:numbering_integrity"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	ToName  string `json:"to_name,omitempty"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data), nil
}

// NewDocumentEventTask wraps a billing event into a task.
func NewDocumentEventTask(event billing.Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDocumentEvent, data), nil
}

// MailJob delivers queued emails and client notifications.
type MailJob struct {
	Sender   mail.Sender
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	Currency string
}

// HandleSendEmail processes TaskTypeSendEmail tasks.
func (j *MailJob) HandleSendEmail(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("mail job: sender not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics().Track(TaskTypeSendEmail)
	err := j.Sender.Send(ctx, mail.Message{
		ToName:  payload.ToName,
		ToEmail: payload.To,
		Subject: payload.Subject,
		Text:    payload.Body,
	})
	if errors.Is(err, mail.ErrNoRecipient) {
		return tracker.End(fmt.Errorf("%w: %v", asynq.SkipRetry, err))
	}
	return tracker.End(err)
}

// HandleDocumentEvent notifies the client of documents it should know about.
// Events without a client address, or of a kind clients are not told about,
// are acknowledged without sending.
func (j *MailJob) HandleDocumentEvent(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sender == nil {
		return errors.New("mail job: sender not configured")
	}
	var event billing.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}
	logger := j.logger().With(
		slog.String("event", string(event.Type)),
		slog.String("document_id", event.DocumentID),
	)
	if event.ClientEmail == "" {
		logger.Debug("document event skipped")
		return nil
	}
	// only the first issue of a document is announced
	if event.Type == billing.EventStatusChanged && event.From != billing.StatusDraft {
		logger.Debug("document event skipped")
		return nil
	}
	msg, ok := mail.Compose(event.ClientEmail, mail.DocumentNotice{
		Event:      string(event.Type),
		Kind:       string(event.Kind),
		Number:     event.Number,
		ClientName: event.ClientName,
		Amount:     fmt.Sprintf("%.2f %s", event.TotalTTC, j.currency()),
	})
	if !ok {
		return nil
	}

	tracker := j.metrics().Track(TaskTypeDocumentEvent)
	if err := j.Sender.Send(ctx, msg); err != nil {
		logger.Warn("document notification failed", slog.Any("error", err))
		return tracker.End(err)
	}
	logger.Info("document notification sent", slog.String("to", event.ClientEmail))
	return tracker.End(nil)
}

func (j *MailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", "mail"))
	}
	return slog.Default().With(slog.String("job", "mail"))
}

func (j *MailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *MailJob) currency() string {
	if j.Currency != "" {
		return j.Currency
	}
	return "EUR"
}
