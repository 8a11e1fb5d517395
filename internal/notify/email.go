// Package notify emails an operator when a batch reaches a terminal state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nadmax/pixq/internal/batch"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var ErrMissingRecipient = errors.New("notification recipient is required")

// DefaultSendTimeout bounds one notification, including the batch lookup.
const DefaultSendTimeout = 10 * time.Second

type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type BatchLookup interface {
	Get(ctx context.Context, id string) (*batch.Batch, error)
}

type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	ToAddress   string
}

type EmailNotifier struct {
	sender  Sender
	batches BatchLookup
	from    *mail.Email
	to      *mail.Email
	timeout time.Duration
}

// NewEmailNotifier sends through SendGrid with cfg.APIKey.
func NewEmailNotifier(cfg Config, batches BatchLookup) (*EmailNotifier, error) {
	return NewEmailNotifierWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, batches)
}

func NewEmailNotifierWithSender(sender Sender, cfg Config, batches BatchLookup) (*EmailNotifier, error) {
	if cfg.ToAddress == "" {
		return nil, ErrMissingRecipient
	}

	return &EmailNotifier{
		sender:  sender,
		batches: batches,
		from:    mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:      mail.NewEmail("", cfg.ToAddress),
		timeout: DefaultSendTimeout,
	}, nil
}

// Publish sends one email per terminal event and ignores the rest. It runs on
// the dispatcher goroutine, so each send is cut off after the notifier timeout.
func (n *EmailNotifier) Publish(e batch.Event) {
	if !e.Terminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.notify(ctx, e); err != nil {
		slog.Error("failed to send batch notification", "batch_id", e.BatchID, "error", err)
	}
}

func (n *EmailNotifier) notify(ctx context.Context, e batch.Event) error {
	b, err := n.batches.Get(ctx, e.BatchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}

	subject, body := compose(b, e)
	email := mail.NewSingleEmail(n.from, subject, n.to, body, htmlBody(body))

	response, err := n.sender.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	slog.Info("batch notification sent", "batch_id", b.ID, "status", response.StatusCode)
	return nil
}

func compose(b *batch.Batch, e batch.Event) (string, string) {
	var outcome string
	switch e.Phase {
	case batch.PhaseCompleted:
		outcome = "completed"
	case batch.PhaseAborted:
		outcome = "stopped: " + batch.BusyMessage
	default:
		outcome = "cancelled"
	}

	subject := fmt.Sprintf("Batch %s %s", shortID(b.ID), strings.SplitN(outcome, ":", 2)[0])

	var sb strings.Builder
	fmt.Fprintf(&sb, "Batch %s %s.\n\n", b.ID, outcome)
	fmt.Fprintf(&sb, "Prompts: %d\n", len(b.Prompts))
	fmt.Fprintf(&sb, "Images: %d of %d\n", b.CompletedImages, b.TotalImages)
	fmt.Fprintf(&sb, "Failures: %d\n", b.Failures)
	if len(b.ImageURLs) > 0 {
		sb.WriteString("\nImages:\n")
		for _, u := range b.ImageURLs {
			sb.WriteString(u)
			sb.WriteString("\n")
		}
	}

	return subject, sb.String()
}

func htmlBody(text string) string {
	escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(text)
	return "<pre>" + escaped + "</pre>"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
