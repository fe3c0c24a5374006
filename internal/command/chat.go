package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"

	"wxhelper/internal/domain"
)

// ErrChatNotConfigured is returned by Chat.Reply when no chat endpoint is set.
var ErrChatNotConfigured = errors.New("chat endpoint not configured")

// ChatConfig configures a Chat.
type ChatConfig struct {
	// URL receives a JSON POST per message. Empty leaves chat mode switchable
	// but unanswered.
	URL     string
	Enabled bool
	HTTP    *resty.Client
	Logger  *slog.Logger
}

// Chat forwards plain text to an external endpoint while chat mode is on.
type Chat struct {
	url     string
	http    *resty.Client
	logger  *slog.Logger
	enabled atomic.Bool
}

type chatRequest struct {
	Text      string       `json:"text"`
	MessageID string       `json:"message_id,omitempty"`
	Date      int64        `json:"date,omitempty"`
	From      *domain.User `json:"from,omitempty"`
}

// NewChat creates a Chat.
func NewChat(cfg ChatConfig) *Chat {
	if cfg.HTTP == nil {
		cfg.HTTP = resty.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Chat{url: cfg.URL, http: cfg.HTTP, logger: cfg.Logger}
	c.enabled.Store(cfg.Enabled)
	return c
}

// Enabled reports whether plain text is forwarded.
func (c *Chat) Enabled() bool { return c.enabled.Load() }

// SetEnabled switches chat mode.
func (c *Chat) SetEnabled(on bool) {
	if c.enabled.Swap(on) != on {
		c.logger.Info("chat mode changed", "enabled", on)
	}
}

// Configured reports whether an endpoint is set.
func (c *Chat) Configured() bool { return c.url != "" }

// Status is the one-line summary shown by /chat and /status.
func (c *Chat) Status() string {
	hook := "off"
	if c.Configured() {
		hook = "on"
	}
	return fmt.Sprintf("chat_mode=%t, webhook=%s", c.Enabled(), hook)
}

// Reply posts text to the endpoint and returns its answer. A JSON object answer
// is read from "reply" or "text"; anything else is taken as plain text.
func (c *Chat) Reply(ctx context.Context, text string, msg domain.Message) (string, error) {
	if !c.Configured() {
		return "", ErrChatNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{Text: text, MessageID: msg.MessageID, Date: msg.Date, From: msg.From}).
		Post(c.url)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat endpoint returned %d", resp.StatusCode())
	}
	return chatAnswer(resp.Body()), nil
}

func chatAnswer(body []byte) string {
	var obj struct {
		Reply *string `json:"reply"`
		Text  *string `json:"text"`
	}
	if err := json.Unmarshal(body, &obj); err == nil {
		switch {
		case obj.Reply != nil:
			return strings.TrimSpace(*obj.Reply)
		case obj.Text != nil:
			return strings.TrimSpace(*obj.Text)
		}
	}
	return strings.TrimSpace(string(body))
}
