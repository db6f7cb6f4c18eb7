package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Headers set on every webhook delivery. The signature covers the raw body.
const (
	HeaderSignature   = "X-Lifecycle-Signature"
	HeaderDeliveryID  = "X-Lifecycle-Delivery-ID"
	HeaderTriggerID   = "X-Lifecycle-Trigger-ID"
	HeaderTriggerType = "X-Lifecycle-Trigger-Type"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultUserAgent      = "campus-lifecycle-notifier"
	maxDrainBytes         = 64 << 10
)

type SenderOption func(*HTTPWebhookSender)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPWebhookSender) { s.client = c }
}

func WithUserAgent(ua string) SenderOption {
	return func(s *HTTPWebhookSender) { s.userAgent = ua }
}

// HTTPWebhookSender posts transition payloads as JSON.
type HTTPWebhookSender struct {
	client    *http.Client
	userAgent string
}

func NewHTTPWebhookSender(opts ...SenderOption) *HTTPWebhookSender {
	s := &HTTPWebhookSender{
		client:    &http.Client{},
		userAgent: defaultUserAgent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send makes one delivery attempt. Transport failures land in
// WebhookResult.Error; any HTTP response is reported by status code.
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()
	fail := func(err error) WebhookResult {
		return WebhookResult{Error: err, Duration: time.Since(start)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := s.newRequest(ctx, req)
	if err != nil {
		return fail(err)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fail(fmt.Errorf("send: %w", err))
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return WebhookResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}
}

func (s *HTTPWebhookSender) newRequest(ctx context.Context, req WebhookRequest) (*http.Request, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", s.userAgent)
	h.Set(HeaderDeliveryID, req.DeliveryID)
	h.Set(HeaderTriggerID, req.Payload.TriggerID)
	h.Set(HeaderTriggerType, req.Payload.TriggerType)
	if req.Secret != "" {
		h.Set(HeaderSignature, Sign(req.Secret, body))
	}
	return httpReq, nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is Sign(secret, body).
// Malformed hex never verifies.
func VerifySignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
