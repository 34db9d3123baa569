// Command stripe-webhook-sim posts a signed payment_intent event to the booking service,
// standing in for Stripe during local runs.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/md-rashed-zaman/marketbook/libs/config"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

var outcomes = map[string]stripe.EventType{
	"succeeded": "payment_intent.succeeded",
	"failed":    "payment_intent.payment_failed",
}

type simEvent struct {
	ID            string
	Type          stripe.EventType
	AppointmentID string
	AmountMinor   int64
	Currency      string
	At            time.Time
}

func main() {
	var (
		baseURL     = flag.String("base-url", config.String("BASE_URL", "http://localhost:8083"), "booking service base url")
		outcome     = flag.String("outcome", config.String("PAYMENT_OUTCOME", "succeeded"), "succeeded or failed")
		appointment = flag.String("appointment-id", config.String("APPOINTMENT_ID", ""), "appointment_id metadata")
		amount      = flag.Int64("amount", 1500000, "amount in minor units")
		currency    = flag.String("currency", config.String("CURRENCY", "xaf"), "ISO currency code")
		eventID     = flag.String("event-id", "", "event id (default: generated); reuse one to exercise dedupe")
		secret      = flag.String("secret", config.String("STRIPE_WEBHOOK_SECRET", ""), "webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}
	evtType, ok := outcomes[*outcome]
	if !ok {
		fatal(fmt.Sprintf("unknown outcome %q (want succeeded or failed)", *outcome))
	}

	now := time.Now().UTC()
	evt := simEvent{
		ID:            *eventID,
		Type:          evtType,
		AppointmentID: *appointment,
		AmountMinor:   *amount,
		Currency:      strings.ToLower(*currency),
		At:            now,
	}
	if evt.ID == "" {
		evt.ID = fmt.Sprintf("evt_sim_%d", now.UnixNano())
	}

	req, err := signedRequest(strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", evt, *secret)
	if err != nil {
		fatal(err.Error())
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func signedRequest(url string, evt simEvent, secret string) (*http.Request, error) {
	payload, err := buildEventJSON(evt)
	if err != nil {
		return nil, err
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: evt.At,
		Scheme:    "v1",
	})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req, nil
}

func buildEventJSON(evt simEvent) ([]byte, error) {
	status := "succeeded"
	if evt.Type == outcomes["failed"] {
		status = "requires_payment_method"
	}
	return json.Marshal(map[string]any{
		"id":          evt.ID,
		"object":      "event",
		"created":     evt.At.Unix(),
		"type":        evt.Type,
		"api_version": stripe.APIVersion,
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_sim_" + evt.AppointmentID,
				"object":   "payment_intent",
				"amount":   evt.AmountMinor,
				"currency": evt.Currency,
				"status":   status,
				"metadata": map[string]string{"appointment_id": evt.AppointmentID},
			},
		},
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
