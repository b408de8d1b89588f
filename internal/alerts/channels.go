package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

// SkipError marks a delivery that was not attempted, either because
// the channel is unconfigured or the user lacks the required contact
// detail. Skips are counted but never recorded as failures.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "notification skipped: " + e.Reason }

// NotificationChannel delivers one rendered message to one user.
// Implementations return provider metadata for the notification log.
type NotificationChannel interface {
	Type() store.ChannelType
	Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error)
}

const channelHTTPTimeout = 10 * time.Second

// EmailChannel delivers over SMTP. Messages are sent as HTML.
type EmailChannel struct {
	cfg config.AlertSettings
}

func NewEmailChannel(cfg config.AlertSettings) *EmailChannel { return &EmailChannel{cfg: cfg} }

func (c *EmailChannel) Type() store.ChannelType { return store.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.SMTPHost == "" {
		return nil, &SkipError{Reason: "smtp_not_configured"}
	}
	if user.Email == "" {
		return nil, &SkipError{Reason: "email_missing"}
	}

	from := c.cfg.EmailFrom
	if from == "" {
		from = c.cfg.SMTPUser
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", user.Email)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(message)

	var auth smtp.Auth
	if c.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.cfg.SMTPUser, c.cfg.SMTPPass, c.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	if err := smtp.SendMail(addr, auth, from, []string{user.Email}, []byte(msg.String())); err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}
	return json.RawMessage(fmt.Sprintf(`{"to":%q}`, user.Email)), nil
}

// twilioAPI is the Twilio message endpoint template.
const twilioAPI = "https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json"

// twilioSend posts one message through the Twilio REST API and returns
// the provider SID as metadata.
func twilioSend(ctx context.Context, client *http.Client, accountSID, authToken, from, to, body string) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf(twilioAPI, accountSID), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(accountSID, authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("twilio status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var payload struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("twilio response: %w", err)
	}
	meta, _ := json.Marshal(payload)
	return meta, nil
}

// SMSChannel delivers over Twilio SMS.
type SMSChannel struct {
	cfg    config.AlertSettings
	client *http.Client
}

func NewSMSChannel(cfg config.AlertSettings) *SMSChannel {
	return &SMSChannel{cfg: cfg, client: &http.Client{Timeout: channelHTTPTimeout}}
}

func (c *SMSChannel) Type() store.ChannelType { return store.ChannelSMS }

func (c *SMSChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.TwilioAccountSID == "" || c.cfg.TwilioAuthToken == "" || c.cfg.TwilioSMSFrom == "" {
		return nil, &SkipError{Reason: "twilio_not_configured"}
	}
	if user.Phone == "" {
		return nil, &SkipError{Reason: "phone_missing"}
	}
	return twilioSend(ctx, c.client, c.cfg.TwilioAccountSID, c.cfg.TwilioAuthToken,
		c.cfg.TwilioSMSFrom, user.Phone, subject+"\n"+message)
}

// WhatsAppChannel delivers over the Twilio WhatsApp bridge.
type WhatsAppChannel struct {
	cfg    config.AlertSettings
	client *http.Client
}

func NewWhatsAppChannel(cfg config.AlertSettings) *WhatsAppChannel {
	return &WhatsAppChannel{cfg: cfg, client: &http.Client{Timeout: channelHTTPTimeout}}
}

func (c *WhatsAppChannel) Type() store.ChannelType { return store.ChannelWhatsApp }

func (c *WhatsAppChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.TwilioAccountSID == "" || c.cfg.TwilioAuthToken == "" || c.cfg.TwilioWhatsAppFrom == "" {
		return nil, &SkipError{Reason: "twilio_not_configured"}
	}
	if user.Phone == "" {
		return nil, &SkipError{Reason: "phone_missing"}
	}
	from := c.cfg.TwilioWhatsAppFrom
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return twilioSend(ctx, c.client, c.cfg.TwilioAccountSID, c.cfg.TwilioAuthToken,
		from, "whatsapp:"+user.Phone, subject+"\n"+message)
}

// PushChannel delivers through FCM.
type PushChannel struct {
	cfg      config.AlertSettings
	client   *http.Client
	endpoint string
}

func NewPushChannel(cfg config.AlertSettings) *PushChannel {
	return &PushChannel{
		cfg:      cfg,
		client:   &http.Client{Timeout: channelHTTPTimeout},
		endpoint: "https://fcm.googleapis.com/fcm/send",
	}
}

func (c *PushChannel) Type() store.ChannelType { return store.ChannelPush }

func (c *PushChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.FCMServerKey == "" {
		return nil, &SkipError{Reason: "fcm_not_configured"}
	}
	if user.PushToken == "" {
		return nil, &SkipError{Reason: "push_token_missing"}
	}

	payload, err := json.Marshal(map[string]any{
		"to": user.PushToken,
		"notification": map[string]string{
			"title": subject,
			"body":  message,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "key="+c.cfg.FCMServerKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fcm status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.RawMessage(raw), nil
}

// SlackChannel posts to an incoming webhook.
type SlackChannel struct {
	cfg    config.AlertSettings
	client *http.Client
}

func NewSlackChannel(cfg config.AlertSettings) *SlackChannel {
	return &SlackChannel{cfg: cfg, client: &http.Client{Timeout: channelHTTPTimeout}}
}

func (c *SlackChannel) Type() store.ChannelType { return store.ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.SlackWebhookURL == "" {
		return nil, &SkipError{Reason: "slack_not_configured"}
	}
	payload := &slack.WebhookMessage{Text: "*" + subject + "*\n" + message}
	if err := slack.PostWebhookCustomHTTPContext(ctx, c.cfg.SlackWebhookURL, c.client, payload); err != nil {
		return nil, fmt.Errorf("slack webhook: %w", err)
	}
	return nil, nil
}

// WebhookChannel is the generic fallback: a JSON POST to a fixed URL.
type WebhookChannel struct {
	cfg    config.AlertSettings
	client *http.Client
}

func NewWebhookChannel(cfg config.AlertSettings) *WebhookChannel {
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: channelHTTPTimeout}}
}

func (c *WebhookChannel) Type() store.ChannelType { return store.ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, user *store.User, subject, message string) (json.RawMessage, error) {
	if c.cfg.WebhookURL == "" {
		return nil, &SkipError{Reason: "webhook_not_configured"}
	}
	payload, err := json.Marshal(map[string]string{
		"user_id": user.ID.String(),
		"subject": subject,
		"message": message,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil, nil
}

// DefaultChannels builds the standard channel set from settings.
// Unconfigured channels still register; they skip at send time.
func DefaultChannels(cfg config.AlertSettings) []NotificationChannel {
	channels := []NotificationChannel{
		NewEmailChannel(cfg),
		NewSMSChannel(cfg),
		NewPushChannel(cfg),
		NewWhatsAppChannel(cfg),
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg))
	}
	return channels
}
