package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/LucasGS520/Market-Suite/internal/config"
	"github.com/LucasGS520/Market-Suite/internal/store"
)

func TestChannelsSkipWhenUnconfigured(t *testing.T) {
	g := NewWithT(t)
	user := testUser()
	ctx := context.Background()

	cases := []struct {
		channel NotificationChannel
		reason  string
	}{
		{NewEmailChannel(config.AlertSettings{}), "smtp_not_configured"},
		{NewSMSChannel(config.AlertSettings{}), "twilio_not_configured"},
		{NewWhatsAppChannel(config.AlertSettings{}), "twilio_not_configured"},
		{NewPushChannel(config.AlertSettings{}), "fcm_not_configured"},
		{NewSlackChannel(config.AlertSettings{}), "slack_not_configured"},
		{NewWebhookChannel(config.AlertSettings{}), "webhook_not_configured"},
	}
	for _, tc := range cases {
		_, err := tc.channel.Send(ctx, user, "s", "m")
		var skip *SkipError
		g.Expect(err).To(BeAssignableToTypeOf(skip), string(tc.channel.Type()))
		g.Expect(err.(*SkipError).Reason).To(Equal(tc.reason))
	}
}

func TestChannelsSkipWhenContactMissing(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	cfg := config.AlertSettings{
		SMTPHost:           "mail.example.com",
		TwilioAccountSID:   "AC123",
		TwilioAuthToken:    "secret",
		TwilioSMSFrom:      "+15550001111",
		TwilioWhatsAppFrom: "+15550001111",
		FCMServerKey:       "key",
	}
	// A user without any contact details.
	user := &store.User{NotificationsEnabled: true}

	cases := []struct {
		channel NotificationChannel
		reason  string
	}{
		{NewEmailChannel(cfg), "email_missing"},
		{NewSMSChannel(cfg), "phone_missing"},
		{NewWhatsAppChannel(cfg), "phone_missing"},
		{NewPushChannel(cfg), "push_token_missing"},
	}
	for _, tc := range cases {
		_, err := tc.channel.Send(ctx, user, "s", "m")
		var skip *SkipError
		g.Expect(err).To(BeAssignableToTypeOf(skip), string(tc.channel.Type()))
		g.Expect(err.(*SkipError).Reason).To(Equal(tc.reason))
	}
}

func TestPushChannelPostsFCMPayload(t *testing.T) {
	g := NewWithT(t)

	var got struct {
		To           string            `json:"to"`
		Notification map[string]string `json:"notification"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &got)
		w.Write([]byte(`{"success":1}`))
	}))
	defer srv.Close()

	ch := NewPushChannel(config.AlertSettings{FCMServerKey: "server-key"})
	ch.endpoint = srv.URL

	user := testUser()
	user.PushToken = "token-abc"

	meta, err := ch.Send(context.Background(), user, "Assunto", "corpo")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(meta).To(MatchJSON(`{"success":1}`))
	g.Expect(auth).To(Equal("key=server-key"))
	g.Expect(got.To).To(Equal("token-abc"))
	g.Expect(got.Notification["title"]).To(Equal("Assunto"))
	g.Expect(got.Notification["body"]).To(Equal("corpo"))
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	g := NewWithT(t)

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &got)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.AlertSettings{WebhookURL: srv.URL})
	user := testUser()

	_, err := ch.Send(context.Background(), user, "Assunto", "corpo")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(got["user_id"]).To(Equal(user.ID.String()))
	g.Expect(got["subject"]).To(Equal("Assunto"))
	g.Expect(got["message"]).To(Equal("corpo"))
}

func TestWebhookChannelNonSuccessStatus(t *testing.T) {
	g := NewWithT(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(config.AlertSettings{WebhookURL: srv.URL})
	_, err := ch.Send(context.Background(), testUser(), "s", "m")
	g.Expect(err).To(MatchError(ContainSubstring("webhook status 502")))
}

func TestDefaultChannelsComposition(t *testing.T) {
	g := NewWithT(t)

	types := func(chs []NotificationChannel) []store.ChannelType {
		out := make([]store.ChannelType, len(chs))
		for i, ch := range chs {
			out[i] = ch.Type()
		}
		return out
	}

	g.Expect(types(DefaultChannels(config.AlertSettings{}))).To(Equal([]store.ChannelType{
		store.ChannelEmail, store.ChannelSMS, store.ChannelPush, store.ChannelWhatsApp,
	}))

	full := config.AlertSettings{
		SlackWebhookURL: "https://hooks.slack.com/services/T/B/X",
		WebhookURL:      "https://example.com/hook",
	}
	g.Expect(types(DefaultChannels(full))).To(ContainElements(store.ChannelSlack, store.ChannelWebhook))
}
