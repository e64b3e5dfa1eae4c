package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

const defaultSlackTimeout = 5 * time.Second

type slackConfig struct {
	Webhook  string `json:"webhook"`
	Channel  string `json:"channel"`
	Username string `json:"username"`
	Timeout  string `json:"timeout"`
}

// SlackNotifier posts notifications to a Slack incoming webhook.
type SlackNotifier struct {
	name       string
	webhook    string
	channel    string
	username   string
	identity   Identity
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackNotifierFromConfig parses raw JSON config and builds the notifier.
func NewSlackNotifierFromConfig(name string, raw []byte, identity Identity, logger *slog.Logger) (*SlackNotifier, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("missing config")
	}

	var parsed slackConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	webhook := strings.TrimSpace(parsed.Webhook)
	if webhook == "" {
		return nil, fmt.Errorf("webhook is required")
	}
	timeout := defaultSlackTimeout
	if raw := strings.TrimSpace(parsed.Timeout); raw != "" {
		parsedTimeout, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse timeout: %w", err)
		}
		if parsedTimeout <= 0 {
			return nil, fmt.Errorf("parse timeout: must be > 0")
		}
		timeout = parsedTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SlackNotifier{
		name:       name,
		webhook:    webhook,
		channel:    strings.TrimSpace(parsed.Channel),
		username:   strings.TrimSpace(parsed.Username),
		identity:   identity,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// Name returns the configured notifier name.
func (n *SlackNotifier) Name() string {
	return n.name
}

// Notify posts one webhook message.
func (n *SlackNotifier) Notify(ctx context.Context, notification Notification) error {
	message := &slack.WebhookMessage{
		Channel:  n.channel,
		Username: n.username,
		Text:     fmt.Sprintf("*%s*", notification.Title),
		Attachments: []slack.Attachment{{
			Color:  slackColor(notification.Title),
			Text:   "```\n" + strings.TrimRight(notification.Body, "\n") + "\n```",
			Footer: n.identity.Preamble(),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.webhook, n.httpClient, message); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	n.logger.DebugContext(ctx, "slack notification posted", "title", notification.Title)

	return nil
}

func slackColor(title string) string {
	switch {
	case strings.Contains(title, "Cleared"):
		return "good"
	case strings.Contains(title, "Alarm"):
		return "danger"
	default:
		return ""
	}
}
