package notifier

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
	"time"

	"github.com/joborch/jobhub/pkg/log"
	"github.com/joborch/jobhub/pkg/types"
	"github.com/slack-go/slack"
)

// Channel delivers one NotificationMessage on one transport. Every
// implementation shares this contract so the delivery pipeline can treat
// channels interchangeably.
type Channel interface {
	Send(ctx context.Context, msg *types.NotificationMessage) error
}

// webhookEnvelope is the JSON body posted to generic webhook/Teams/Discord/
// SMS/Push endpoints.
type webhookEnvelope struct {
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Priority  int       `json:"priority"`
	JobID     string    `json:"job_id,omitempty"`
	ErrorID   string    `json:"error_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEnvelope(msg *types.NotificationMessage) webhookEnvelope {
	return webhookEnvelope{
		Type: "notification", Subject: msg.Subject, Body: msg.Body,
		Priority: int(msg.Priority), JobID: msg.JobID, ErrorID: msg.ErrorID,
		Timestamp: time.Now(),
	}
}

// logChannel writes a structured line at a severity-mapped level. Always
// registered: it is the one channel every notification set includes.
type logChannel struct{}

func (logChannel) Send(_ context.Context, msg *types.NotificationMessage) error {
	logger := log.WithComponent("notifier")
	event := logger.Info()
	switch {
	case msg.Priority >= types.PriorityCritical:
		event = logger.Error()
	case msg.Priority >= types.PriorityHigh:
		event = logger.Warn()
	}
	event.Str("job_id", msg.JobID).Str("error_id", msg.ErrorID).Str("subject", msg.Subject).Msg(msg.Body)
	return nil
}

// emailChannel sends over SMTP STARTTLS via net/smtp; no pack repo imports
// a richer mail client, and a single templated send needs nothing more.
type emailChannel struct {
	addr string
	from string
}

func (c emailChannel) Send(_ context.Context, msg *types.NotificationMessage) error {
	if c.addr == "" {
		return fmt.Errorf("notifier: email channel not configured")
	}
	body := fmt.Sprintf("Subject: %s\r\n\r\n%s\r\n", msg.Subject, msg.Body)
	return smtp.SendMail(c.addr, nil, c.from, []string{msg.Recipient}, []byte(body))
}

// webhookChannel POSTs a signed JSON envelope, grounded in the teacher's
// HTTPChecker request-building shape (context, headers, status check).
type webhookChannel struct {
	url    string
	secret string
	client *http.Client
}

func newWebhookChannel(url, secret string) webhookChannel {
	return webhookChannel{url: url, secret: secret, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c webhookChannel) Send(ctx context.Context, msg *types.NotificationMessage) error {
	target := c.url
	if msg.Recipient != "" {
		target = msg.Recipient
	}
	if target == "" {
		return fmt.Errorf("notifier: webhook channel has no target URL")
	}

	body, err := json.Marshal(newEnvelope(msg))
	if err != nil {
		return fmt.Errorf("marshal webhook envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Jobhub-Signature", signBody(c.secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// slackChannel posts a severity-colored attachment to an incoming webhook.
type slackChannel struct {
	webhookURL string
}

func (c slackChannel) Send(_ context.Context, msg *types.NotificationMessage) error {
	if c.webhookURL == "" {
		return fmt.Errorf("notifier: slack channel not configured")
	}
	payload := &slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color: slackColor(msg.Priority),
				Title: msg.Subject,
				Text:  msg.Body,
			},
		},
	}
	return slack.PostWebhook(c.webhookURL, payload)
}

func slackColor(p types.NotificationPriority) string {
	switch {
	case p >= types.PriorityCritical:
		return "danger"
	case p >= types.PriorityHigh:
		return "warning"
	default:
		return "good"
	}
}

// teamsChannel posts an Office 365 Connector-style MessageCard.
type teamsChannel struct{ http webhookChannel }

func (c teamsChannel) Send(ctx context.Context, msg *types.NotificationMessage) error {
	target := c.http.url
	if msg.Recipient != "" {
		target = msg.Recipient
	}
	card := map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    msg.Subject,
		"themeColor": slackColor(msg.Priority),
		"title":      msg.Subject,
		"text":       msg.Body,
	}
	return postJSON(ctx, c.http.client, target, card, "")
}

// discordChannel posts a plain content+embed payload.
type discordChannel struct{ http webhookChannel }

func (c discordChannel) Send(ctx context.Context, msg *types.NotificationMessage) error {
	target := c.http.url
	if msg.Recipient != "" {
		target = msg.Recipient
	}
	payload := map[string]any{
		"content": msg.Subject,
		"embeds":  []map[string]any{{"description": msg.Body}},
	}
	return postJSON(ctx, c.http.client, target, payload, "")
}

// providerForwardChannel forwards SMS/Push sends to a configured provider
// endpoint; without a concrete carrier SDK in the pack, the contract this
// channel fulfils is "POST the envelope to whatever the recipient names".
type providerForwardChannel struct {
	client *http.Client
}

func (c providerForwardChannel) Send(ctx context.Context, msg *types.NotificationMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("notifier: no provider endpoint for message %s", msg.ID)
	}
	return postJSON(ctx, c.client, msg.Recipient, newEnvelope(msg), "")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, secret string) error {
	if url == "" {
		return fmt.Errorf("notifier: no target URL configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Jobhub-Signature", signBody(secret, body))
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
