package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testPayload() WebhookPayload {
	return WebhookPayload{
		EventID:     "evt-1",
		TriggerID:   "trg-1",
		TriggerType: "event_start",
		OldStatus:   "upcoming",
		NewStatus:   "ongoing",
		ExecutedAt:  "2025-03-12T09:00:00Z",
	}
}

type captured struct {
	method string
	header http.Header
	body   []byte
}

// receiver answers every request with status and remembers the last one.
func receiver(t *testing.T, status int) (*httptest.Server, func() captured) {
	t.Helper()
	var (
		mu   sync.Mutex
		last captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = captured{method: r.Method, header: r.Header.Clone(), body: body}
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() captured {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestHTTPWebhookSender_SignedDelivery(t *testing.T) {
	srv, last := receiver(t, http.StatusAccepted)

	res := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{
		URL:        srv.URL,
		Secret:     "whsec_campus",
		Timeout:    5 * time.Second,
		DeliveryID: "delivery-123",
		Payload:    testPayload(),
	})
	if !res.IsSuccess() || res.StatusCode != http.StatusAccepted {
		t.Fatalf("result = %+v, want 202 success", res)
	}
	if res.Duration <= 0 {
		t.Error("duration should be positive")
	}

	got := last()
	if got.method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.method)
	}
	wantHeaders := map[string]string{
		"Content-Type":    "application/json",
		"User-Agent":      defaultUserAgent,
		HeaderDeliveryID:  "delivery-123",
		HeaderTriggerID:   "trg-1",
		HeaderTriggerType: "event_start",
	}
	for k, want := range wantHeaders {
		if v := got.header.Get(k); v != want {
			t.Errorf("%s = %q, want %q", k, v, want)
		}
	}

	mac := hmac.New(sha256.New, []byte("whsec_campus"))
	mac.Write(got.body)
	if sig := got.header.Get(HeaderSignature); sig != hex.EncodeToString(mac.Sum(nil)) {
		t.Errorf("signature %q does not match body HMAC", sig)
	}

	var payload WebhookPayload
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload != testPayload() {
		t.Errorf("payload = %+v, want %+v", payload, testPayload())
	}
}

func TestHTTPWebhookSender_UnsignedWithoutSecret(t *testing.T) {
	srv, last := receiver(t, http.StatusOK)

	NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{URL: srv.URL, Payload: testPayload()})

	if sig := last().header.Get(HeaderSignature); sig != "" {
		t.Errorf("unsigned request carried signature %q", sig)
	}
}

func TestHTTPWebhookSender_Options(t *testing.T) {
	srv, last := receiver(t, http.StatusOK)
	client := &http.Client{Timeout: 2 * time.Second}

	s := NewHTTPWebhookSender(WithHTTPClient(client), WithUserAgent("campus-lifecycle/1.4.0"))
	if s.client != client {
		t.Error("WithHTTPClient not applied")
	}
	s.Send(context.Background(), WebhookRequest{URL: srv.URL, Payload: testPayload()})

	if ua := last().header.Get("User-Agent"); ua != "campus-lifecycle/1.4.0" {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestHTTPWebhookSender_Results(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		success   bool
		retryable bool
	}{
		{"ok", http.StatusOK, true, false},
		{"gone", http.StatusGone, false, false},
		{"throttled", http.StatusTooManyRequests, false, true},
		{"server error", http.StatusBadGateway, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := receiver(t, tt.status)
			res := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{URL: srv.URL, Payload: testPayload()})
			if res.Error != nil {
				t.Fatalf("HTTP response should not set Error: %v", res.Error)
			}
			if res.StatusCode != tt.status || res.IsSuccess() != tt.success || res.IsRetryable() != tt.retryable {
				t.Errorf("result = %+v success=%v retryable=%v", res, res.IsSuccess(), res.IsRetryable())
			}
		})
	}
}

func TestHTTPWebhookSender_TransportFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name    string
		url     string
		timeout time.Duration
	}{
		{"nothing listening", "http://127.0.0.1:1", time.Second},
		{"per-request timeout", slow.URL, 50 * time.Millisecond},
		{"malformed url", "://missing-scheme", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{
				URL:     tt.url,
				Timeout: tt.timeout,
				Payload: testPayload(),
			})
			if res.Error == nil {
				t.Fatal("expected an error")
			}
			if !res.IsRetryable() {
				t.Error("transport failures should be retryable")
			}
		})
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"e1","trigger_id":"t1"}`)
	sig := Sign("test-secret", body)

	if len(sig) != sha256.Size*2 {
		t.Fatalf("signature length = %d, want %d hex chars", len(sig), sha256.Size*2)
	}
	if sig != Sign("test-secret", body) {
		t.Fatal("Sign is not deterministic")
	}

	tests := []struct {
		name   string
		secret string
		body   []byte
		sig    string
		want   bool
	}{
		{"valid", "test-secret", body, sig, true},
		{"uppercase hex", "test-secret", body, strings.ToUpper(sig), true},
		{"wrong secret", "other-secret", body, sig, false},
		{"tampered body", "test-secret", []byte(`{"event_id":"e2","trigger_id":"t1"}`), sig, false},
		{"truncated", "test-secret", body, sig[:10], false},
		{"not hex", "test-secret", body, "zz" + sig[2:], false},
		{"empty", "test-secret", body, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.sig); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
