package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (s *fakeSender) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	s.sent = append(s.sent, email)
	if s.err != nil {
		return nil, s.err
	}
	return &rest.Response{StatusCode: s.status}, nil
}

var testConfig = Config{
	APIKey:      "key",
	FromAddress: "coordinator@example.com",
	FromName:    "Calendar Bulk",
	Recipient:   "ops@example.com",
}

func sampleReport() recovery.Report {
	return recovery.Report{
		GeneratedAt:   time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC),
		TotalErrors:   7,
		ByCategory:    map[errclass.Category]int{errclass.RateLimitError: 5, errclass.ServerError: 2},
		TopMessages:   []recovery.MessageCount{{Message: "Rate Limit Exceeded", Count: 5}},
		Suggestions:   []string{"Reduce request rate"},
		AffectedItems: 40,
		SuccessRate:   92.5,
		Retryable:     7,
		Trend:         errclass.Trend{Direction: errclass.Increasing},
	}
}

func TestNotifyReport(t *testing.T) {
	sender := &fakeSender{status: 202}
	m := NewMailerWithSender(sender, testConfig, nil)

	require.NoError(t, m.NotifyReport(context.Background(), sampleReport()))

	require.Len(t, sender.sent, 1)
	email := sender.sent[0]
	assert.Equal(t, "Bulk operations: 7 errors recorded (increasing)", email.Subject)
	assert.Equal(t, "ops@example.com", email.Personalizations[0].To[0].Address)
	assert.Equal(t, "coordinator@example.com", email.From.Address)

	require.NotEmpty(t, email.Content)
	assert.Contains(t, email.Content[0].Value, "rate_limit")
	assert.Contains(t, email.Content[0].Value, "Reduce request rate")

	require.Len(t, email.Attachments, 1)
	assert.Equal(t, "error-report-20240601-083000.csv", email.Attachments[0].Filename)
	csv, err := base64.StdEncoding.DecodeString(email.Attachments[0].Content)
	require.NoError(t, err)
	assert.Contains(t, string(csv), "category,rate_limit,5")
}

func TestNotifyReport_Errors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		sender *fakeSender
		want   string
	}{
		{
			name:   "not configured",
			cfg:    Config{APIKey: "key"},
			sender: &fakeSender{status: 202},
			want:   ErrNotConfigured.Error(),
		},
		{
			name:   "transport failure",
			cfg:    testConfig,
			sender: &fakeSender{err: errors.New("dial tcp: timeout")},
			want:   "failed to send email",
		},
		{
			name:   "rejected by provider",
			cfg:    testConfig,
			sender: &fakeSender{status: 401},
			want:   "sendgrid error: status 401",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMailerWithSender(tt.sender, tt.cfg, nil)

			err := m.NotifyReport(context.Background(), sampleReport())

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigEnabled(t *testing.T) {
	assert.True(t, testConfig.Enabled())
	assert.False(t, Config{FromAddress: "a@b.c", Recipient: "d@e.f"}.Enabled())
}
