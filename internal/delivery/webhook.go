package delivery

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"wxhelper/internal/domain"
	"wxhelper/internal/updates"
)

// Header names set on every webhook POST.
const (
	HeaderSecretToken = "X-Telegram-Bot-Api-Secret-Token"
	HeaderSignature   = "X-Signature-256"
)

// WebhookSink POSTs one update per request to a webhook target.
type WebhookSink struct {
	client        *resty.Client
	signingSecret string
}

// NewWebhookSink builds a sink. signingSecret, when set, adds an HMAC-SHA256
// signature of the body in X-Signature-256.
func NewWebhookSink(timeout time.Duration, signingSecret string) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "wxhelper-webhook/1")
	return &WebhookSink{client: client, signingSecret: signingSecret}
}

// Post delivers u to target. Any 2xx response is an acknowledgment; anything else
// is returned as an error so the pump retries. An update that cannot be encoded
// is skipped.
func (s *WebhookSink) Post(ctx context.Context, target WebhookTarget, u domain.Update) error {
	body, err := json.Marshal(u)
	if err != nil {
		return updates.Skip(fmt.Errorf("encode update %d: %w", u.UpdateID, err))
	}

	req := s.client.R().SetContext(ctx).SetBody(body)
	if target.SecretToken != "" {
		req.SetHeader(HeaderSecretToken, target.SecretToken)
	}
	if s.signingSecret != "" {
		req.SetHeader(HeaderSignature, Sign(body, s.signingSecret))
	}

	resp, err := req.Post(target.URL)
	if err != nil {
		return fmt.Errorf("post update %d: %w", u.UpdateID, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("post update %d: status %s: %s", u.UpdateID, resp.Status(), truncate(resp.String(), 200))
	}
	return nil
}

// Sign returns the X-Signature-256 value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an X-Signature-256 value. Receivers use it to authenticate pushes.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
