package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/solwatch/watchtower/internal/config"
)

// httpPoster shares the POST-and-classify path of the webhook-style
// channels.
type httpPoster struct {
	client *http.Client
}

func newHTTPPoster() *httpPoster {
	return &httpPoster{client: &http.Client{}}
}

func (p *httpPoster) post(ctx context.Context, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Message: fmt.Sprintf("encode payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &DeliveryError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &DeliveryError{StatusCode: resp.StatusCode, Message: string(detail)}
}

// TelegramChannel delivers through the Bot API sendMessage call.
type TelegramChannel struct {
	poster   *httpPoster
	botToken string
	chatID   string
}

func NewTelegramChannel(cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{
		poster:   newHTTPPoster(),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
	}
}

func (c *TelegramChannel) Name() string           { return "telegram" }
func (c *TelegramChannel) Kind() Kind             { return KindTelegram }
func (c *TelegramChannel) SupportsBatching() bool { return true }

func (c *TelegramChannel) Deliver(ctx context.Context, msg *Message) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	return c.poster.post(ctx, url, nil, map[string]interface{}{
		"chat_id": c.chatID,
		"text":    msg.Subject + "\n\n" + msg.Body,
	})
}

// SlackChannel delivers through an incoming webhook.
type SlackChannel struct {
	poster     *httpPoster
	webhookURL string
	channel    string
	username   string
}

func NewSlackChannel(cfg config.SlackConfig) *SlackChannel {
	return &SlackChannel{
		poster:     newHTTPPoster(),
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		username:   cfg.Username,
	}
}

func (c *SlackChannel) Name() string           { return "slack" }
func (c *SlackChannel) Kind() Kind             { return KindSlack }
func (c *SlackChannel) SupportsBatching() bool { return true }

func (c *SlackChannel) Deliver(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"text": "*" + msg.Subject + "*\n" + msg.Body,
	}
	if c.channel != "" {
		payload["channel"] = c.channel
	}
	if c.username != "" {
		payload["username"] = c.username
	}
	return c.poster.post(ctx, c.webhookURL, nil, payload)
}

// DiscordChannel delivers through a Discord webhook.
type DiscordChannel struct {
	poster     *httpPoster
	webhookURL string
	username   string
}

func NewDiscordChannel(cfg config.DiscordConfig) *DiscordChannel {
	return &DiscordChannel{
		poster:     newHTTPPoster(),
		webhookURL: cfg.WebhookURL,
		username:   cfg.Username,
	}
}

func (c *DiscordChannel) Name() string           { return "discord" }
func (c *DiscordChannel) Kind() Kind             { return KindDiscord }
func (c *DiscordChannel) SupportsBatching() bool { return true }

func (c *DiscordChannel) Deliver(ctx context.Context, msg *Message) error {
	payload := map[string]interface{}{
		"content": "**" + msg.Subject + "**\n" + msg.Body,
	}
	if c.username != "" {
		payload["username"] = c.username
	}
	return c.poster.post(ctx, c.webhookURL, nil, payload)
}

// WebhookChannel posts the rendered message to an arbitrary endpoint
// with configured headers.
type WebhookChannel struct {
	poster  *httpPoster
	url     string
	headers map[string]string
}

func NewWebhookChannel(cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{
		poster:  newHTTPPoster(),
		url:     cfg.URL,
		headers: cfg.Headers,
	}
}

func (c *WebhookChannel) Name() string           { return "webhook" }
func (c *WebhookChannel) Kind() Kind             { return KindWebhook }
func (c *WebhookChannel) SupportsBatching() bool { return false }

func (c *WebhookChannel) Deliver(ctx context.Context, msg *Message) error {
	return c.poster.post(ctx, c.url, c.headers, map[string]string{
		"subject": msg.Subject,
		"body":    msg.Body,
	})
}
