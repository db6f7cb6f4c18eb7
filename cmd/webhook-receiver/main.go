// Command webhook-receiver is a development endpoint for lifecycled
// transition webhooks. It verifies signatures when WEBHOOK_SECRET is set
// and keeps the most recent deliveries for inspection at /stats.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/djlord-it/campus-lifecycle/internal/logging"
	"github.com/djlord-it/campus-lifecycle/internal/notifier"
)

const maxStored = 50

type delivery struct {
	ReceivedAt string                  `json:"received_at"`
	DeliveryID string                  `json:"delivery_id"`
	Verified   bool                    `json:"verified"`
	Payload    notifier.WebhookPayload `json:"payload"`
}

type stats struct {
	Count      int64      `json:"count"`
	Rejected   int64      `json:"rejected"`
	Deliveries []delivery `json:"last_deliveries"`
	Since      string     `json:"since"`
}

type receiver struct {
	secret string
	clock  func() time.Time
	log    zerolog.Logger

	mu         sync.Mutex
	count      int64
	rejected   int64
	deliveries []delivery
	since      time.Time
}

func newReceiver(secret string) *receiver {
	return &receiver{
		secret: secret,
		clock:  time.Now,
		log:    log.Logger.With().Str("component", "webhook-receiver").Logger(),
		since:  time.Now().UTC(),
	}
}

func (rc *receiver) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", rc.hook)
	mux.HandleFunc("GET /stats", rc.stats)
	mux.HandleFunc("POST /reset", rc.reset)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	verified := false
	if rc.secret != "" {
		if !notifier.VerifySignature(rc.secret, body, r.Header.Get(notifier.HeaderSignature)) {
			rc.mu.Lock()
			rc.rejected++
			rc.mu.Unlock()
			rc.log.Warn().Str("delivery_id", r.Header.Get(notifier.HeaderDeliveryID)).Msg("signature mismatch")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		verified = true
	}

	var payload notifier.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	d := delivery{
		ReceivedAt: rc.clock().UTC().Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get(notifier.HeaderDeliveryID),
		Verified:   verified,
		Payload:    payload,
	}

	rc.mu.Lock()
	rc.count++
	rc.deliveries = append(rc.deliveries, d)
	if len(rc.deliveries) > maxStored {
		rc.deliveries = rc.deliveries[len(rc.deliveries)-maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	rc.log.Info().
		Int64("n", current).
		Str("event_id", payload.EventID).
		Str("trigger_type", payload.TriggerType).
		Str("transition", payload.OldStatus+" -> "+payload.NewStatus).
		Msg("hook received")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:      rc.count,
		Rejected:   rc.rejected,
		Deliveries: append([]delivery(nil), rc.deliveries...),
		Since:      rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.rejected = 0
	rc.deliveries = nil
	rc.since = rc.clock().UTC()
	rc.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), "console")

	addr := ":8081"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"))
	server := &http.Server{
		Addr:              addr,
		Handler:           rc.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	rc.log.Info().Str("addr", addr).Bool("verify", rc.secret != "").Msg("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		rc.log.Fatal().Err(err).Msg("server error")
	}
}
