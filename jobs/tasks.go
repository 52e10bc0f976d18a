package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatekeeper/internal/auth"
	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
	"github.com/odyssey-erp/gatekeeper/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To       string         `json:"to"`
	From     string         `json:"from"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.MaxRetry(5)), nil
}

// Mailer renders and sends queued email.
type Mailer struct {
	renderer *mail.Renderer
	sender   mail.Sender
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
}

// NewMailer constructs a Mailer.
func NewMailer(renderer *mail.Renderer, sender mail.Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *Mailer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mailer{renderer: renderer, sender: sender, logger: logger, metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks.
func (m *Mailer) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := m.metrics.Track(TaskTypeSendEmail)
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry))
	}
	html, err := m.renderer.Render(payload.Template, payload.Data)
	if err != nil {
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}
	msg := mail.Message{From: payload.From, To: payload.To, Subject: payload.Subject, HTML: html}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Warn("send email", slog.String("template", payload.Template), slog.Any("error", err))
		return tracker.End(err)
	}
	m.logger.Info("email sent", slog.String("template", payload.Template))
	return tracker.End(nil)
}

// Notify implements auth.Notifier by queueing the notification.
func (c *Client) Notify(ctx context.Context, n auth.Notification) error {
	_, err := c.EnqueueSendEmail(ctx, SendEmailPayload{
		To:       n.To,
		From:     n.From,
		Subject:  n.Subject,
		Template: n.Template,
		Data:     n.Data,
	})
	return err
}

var _ auth.Notifier = (*Client)(nil)
