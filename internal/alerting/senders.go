package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/powerdaemonhq/powerdaemon/pkg/config"
	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// severityColor maps severities to attachment colors.
func severityColor(severity models.AlertSeverity) string {
	switch severity {
	case models.AlertSeverityCritical:
		return "#FF0000"
	case models.AlertSeverityWarning:
		return "#FFA500"
	default:
		return "#36A64F"
	}
}

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender creates a Slack sender.
func NewSlackSender() *SlackSender {
	return &SlackSender{client: &http.Client{Timeout: 10 * time.Second}}
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, alert *models.Alert, channel models.NotificationChannel) error {
	webhookURL := channel.Settings["webhookUrl"]
	if webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := map[string]any{
		"channel": channel.Settings["channel"],
		"attachments": []map[string]any{{
			"color": severityColor(alert.Severity),
			"title": fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title),
			"text":  alert.Message,
			"fields": []map[string]any{
				{"title": "Threshold", "value": fmt.Sprintf("%.2f", alert.Threshold), "short": true},
				{"title": "Observed", "value": fmt.Sprintf("%.2f", alert.ActualValue), "short": true},
			},
			"ts": alert.CreatedAt.Unix(),
		}},
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailSender delivers alerts over SMTP.
type EmailSender struct {
	cfg config.NotificationConfig
}

// NewEmailSender creates an email sender.
func NewEmailSender(cfg config.NotificationConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, alert *models.Alert, channel models.NotificationChannel) error {
	to := channel.Settings["to"]
	if to == "" {
		to = s.cfg.EmailTo
	}
	if to == "" || s.cfg.SMTPHost == "" {
		return fmt.Errorf("email transport not configured")
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title)
	body := fmt.Sprintf("%s\r\n\r\nSeverity: %s\r\nThreshold: %.2f\r\nObserved: %.2f\r\nCreated: %s\r\n",
		alert.Message, alert.Severity, alert.Threshold, alert.ActualValue, alert.CreatedAt.Format(time.RFC3339))

	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.cfg.EmailFrom, to, subject, body))

	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	return smtp.SendMail(addr, auth, s.cfg.EmailFrom, strings.Split(to, ","), msg)
}

// WebhookSender posts alerts to a generic HTTP endpoint, signing the body
// with the shared secret when one is configured.
type WebhookSender struct {
	cfg    config.NotificationConfig
	client *http.Client
}

// NewWebhookSender creates a webhook sender.
func NewWebhookSender(cfg config.NotificationConfig) *WebhookSender {
	return &WebhookSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, alert *models.Alert, channel models.NotificationChannel) error {
	url := channel.Settings["url"]
	if url == "" {
		url = s.cfg.WebhookURL
	}
	if url == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if s.cfg.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
		mac.Write(payload)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
