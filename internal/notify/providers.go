package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider pushes one message to an external messaging identity.
type Provider interface {
	Send(ctx context.Context, recipient, message, deepLink string) error
}

type ProviderConfig struct {
	Kind           string
	WebhookURL     string
	WebhookToken   string
	TelegramToken  string
	TelegramAPIURL string
	Timeout        time.Duration
}

// NewProvider falls back to the log provider when the selected one is not configured.
func NewProvider(cfg ProviderConfig, log *logrus.Entry) Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "stub", "log":
		return logProvider{log: log}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if cfg.WebhookURL == "" {
			log.Warn("NOTIFIER_WEBHOOK_URL is empty, falling back to log provider")
			return logProvider{log: log}
		}
		return webhookProvider{url: cfg.WebhookURL, token: cfg.WebhookToken, client: client}
	case "telegram":
		if cfg.TelegramToken == "" {
			log.Warn("TELEGRAM_BOT_TOKEN is empty, falling back to log provider")
			return logProvider{log: log}
		}
		apiURL := strings.TrimRight(cfg.TelegramAPIURL, "/")
		if apiURL == "" {
			apiURL = "https://api.telegram.org"
		}
		return telegramProvider{apiURL: apiURL, token: cfg.TelegramToken, client: client}
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return webhookProvider{url: cfg.Kind, client: client}
		}
		log.WithField("provider", cfg.Kind).Warn("unknown notifier provider, falling back to log provider")
		return logProvider{log: log}
	}
}

type logProvider struct {
	log *logrus.Entry
}

func (p logProvider) Send(ctx context.Context, recipient, message, deepLink string) error {
	p.log.WithFields(logrus.Fields{
		"recipient": recipient,
		"deep_link": deepLink,
	}).Info(message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, recipient, message, deepLink string) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, recipient, message, deepLink string) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func (p webhookProvider) Send(ctx context.Context, recipient, message, deepLink string) error {
	payload := map[string]string{
		"recipient": recipient,
		"message":   message,
	}
	if deepLink != "" {
		payload["deep_link"] = deepLink
	}
	req, err := newJSONRequest(ctx, p.url, payload)
	if err != nil {
		return err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: status %d", resp.StatusCode)
	}
	return nil
}

type telegramProvider struct {
	apiURL string
	token  string
	client *http.Client
}

type telegramButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type telegramMessage struct {
	ChatID      string          `json:"chat_id"`
	Text        string          `json:"text"`
	ReplyMarkup *telegramMarkup `json:"reply_markup,omitempty"`
}

type telegramMarkup struct {
	InlineKeyboard [][]telegramButton `json:"inline_keyboard"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (p telegramProvider) Send(ctx context.Context, recipient, message, deepLink string) error {
	payload := telegramMessage{ChatID: recipient, Text: message}
	if deepLink != "" {
		payload.ReplyMarkup = &telegramMarkup{
			InlineKeyboard: [][]telegramButton{{{Text: "Open task", URL: deepLink}}},
		}
	}
	req, err := newJSONRequest(ctx, p.apiURL+"/bot"+p.token+"/sendMessage", payload)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram rejected message: %s", result.Description)
	}
	return nil
}

func newJSONRequest(ctx context.Context, url string, payload interface{}) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
