// Package notify mails error reports through SendGrid.
package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

var ErrNotConfigured = errors.New("mailer is not configured")

type Config struct {
	APIKey      string `yaml:"api_key"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	Recipient   string `yaml:"recipient"`
}

func (c Config) Enabled() bool {
	return c.APIKey != "" && c.FromAddress != "" && c.Recipient != ""
}

// Sender is the subset of the SendGrid client used by the mailer.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Mailer struct {
	sender Sender
	cfg    Config
	log    *slog.Logger
}

func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	return NewMailerWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewMailerWithSender(sender Sender, cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mailer{sender: sender, cfg: cfg, log: logger.With("component", "notify")}
}

// NotifyReport mails r with the CSV export attached.
func (m *Mailer) NotifyReport(ctx context.Context, r recovery.Report) error {
	if m.cfg.Recipient == "" || m.cfg.FromAddress == "" {
		return ErrNotConfigured
	}

	subject := fmt.Sprintf("Bulk operations: %d errors recorded (%s)", r.TotalErrors, r.Trend.Direction)
	body := renderText(r)

	from := mail.NewEmail(m.cfg.FromName, m.cfg.FromAddress)
	to := mail.NewEmail("", m.cfg.Recipient)
	email := mail.NewSingleEmail(from, subject, to, body, "<pre>"+html.EscapeString(body)+"</pre>")

	var csvBuf bytes.Buffer
	if err := recovery.WriteCSV(&csvBuf, r); err != nil {
		return fmt.Errorf("failed to export report: %w", err)
	}
	attachment := mail.NewAttachment()
	attachment.SetContent(base64.StdEncoding.EncodeToString(csvBuf.Bytes()))
	attachment.SetType("text/csv")
	attachment.SetFilename(fmt.Sprintf("error-report-%s.csv", r.GeneratedAt.Format("20060102-150405")))
	attachment.SetDisposition("attachment")
	email.AddAttachment(attachment)

	response, err := m.sender.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	m.log.Info("error report sent", "recipient", m.cfg.Recipient, "errors", r.TotalErrors, "status", response.StatusCode)
	return nil
}

func renderText(r recovery.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generated: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Errors: %d (retryable %d), affected items: %d\n", r.TotalErrors, r.Retryable, r.AffectedItems)
	fmt.Fprintf(&b, "Success rate: %.1f%%\n", r.SuccessRate)
	fmt.Fprintf(&b, "Trend: %s, %.2f errors/min, ~%d predicted next hour\n\n",
		r.Trend.Direction, r.Trend.VelocityPerMinute, r.Trend.PredictedNextHour)

	if len(r.ByCategory) > 0 {
		b.WriteString("By category:\n")
		for _, c := range slices.Sorted(maps.Keys(r.ByCategory)) {
			fmt.Fprintf(&b, "  %-14s %d\n", c, r.ByCategory[c])
		}
		b.WriteString("\n")
	}

	if len(r.TopMessages) > 0 {
		b.WriteString("Most frequent:\n")
		for _, mc := range r.TopMessages {
			fmt.Fprintf(&b, "  %4d  %s\n", mc.Count, mc.Message)
		}
		b.WriteString("\n")
	}

	if len(r.Suggestions) > 0 {
		b.WriteString("Suggested actions:\n")
		for _, s := range r.Suggestions {
			fmt.Fprintf(&b, "  - %s\n", s)
		}
	}

	return b.String()
}
