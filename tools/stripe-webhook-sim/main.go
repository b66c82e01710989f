package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8080"), "booking service base url")
		evtType     = flag.String("type", getenv("STRIPE_EVENT_TYPE", "payment_intent.succeeded"), "stripe event type")
		appointment = flag.String("appointment-id", getenv("APPOINTMENT_ID", ""), "appointment_id metadata")
		senior      = flag.String("senior-id", getenv("SENIOR_ID", ""), "senior_id metadata")
		plan        = flag.String("plan-id", getenv("PLAN_ID", ""), "plan_id metadata")
		intentID    = flag.String("intent-id", getenv("PAYMENT_INTENT_ID", "pi_test_123"), "payment intent id")
		subID       = flag.String("subscription-id", getenv("SUBSCRIPTION_ID", "sub_test_123"), "subscription id")
		amount      = flag.Int64("amount-cents", 7900, "amount in cents")
		secret      = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventJSONInput{
		EventID:       eventID,
		EventType:     *evtType,
		Created:       now,
		AppointmentID: *appointment,
		SeniorID:      *senior,
		PlanID:        *plan,
		IntentID:      *intentID,
		SubID:         *subID,
		AmountCents:   *amount,
	})
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

type eventJSONInput struct {
	EventID       string
	EventType     string
	Created       time.Time
	AppointmentID string
	SeniorID      string
	PlanID        string
	IntentID      string
	SubID         string
	AmountCents   int64
}

func buildEventJSON(in eventJSONInput) ([]byte, error) {
	created := in.Created.Unix()
	envelope := func(object map[string]any) ([]byte, error) {
		return json.Marshal(map[string]any{
			"id":          in.EventID,
			"object":      "event",
			"created":     created,
			"type":        in.EventType,
			"api_version": "2020-08-27",
			"data":        map[string]any{"object": object},
		})
	}

	switch in.EventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		if in.AppointmentID == "" {
			return nil, fmt.Errorf("APPOINTMENT_ID is required for %s", in.EventType)
		}
		return envelope(map[string]any{
			"id":       in.IntentID,
			"object":   "payment_intent",
			"amount":   in.AmountCents,
			"currency": "usd",
			"metadata": map[string]any{
				"appointment_id": in.AppointmentID,
				"senior_id":      in.SeniorID,
			},
		})
	case "charge.refunded":
		return envelope(map[string]any{
			"id":              "ch_test_123",
			"object":          "charge",
			"amount_refunded": in.AmountCents,
			"payment_intent":  map[string]any{"id": in.IntentID},
			"refunds": map[string]any{
				"object": "list",
				"data": []map[string]any{
					{"id": "re_test_123", "object": "refund", "reason": "requested_by_customer"},
				},
			},
		})
	case "customer.subscription.updated", "customer.subscription.deleted":
		status := "active"
		if in.EventType == "customer.subscription.deleted" {
			status = "canceled"
		}
		return envelope(map[string]any{
			"id":                 in.SubID,
			"object":             "subscription",
			"status":             status,
			"canceled_at":        created,
			"current_period_end": in.Created.AddDate(0, 1, 0).Unix(),
			"metadata": map[string]any{
				"senior_id": in.SeniorID,
				"plan_id":   in.PlanID,
			},
		})
	case "invoice.payment_succeeded", "invoice.payment_failed":
		return envelope(map[string]any{
			"id":           "in_test_123",
			"object":       "invoice",
			"subscription": map[string]any{"id": in.SubID},
			"subscription_details": map[string]any{
				"metadata": map[string]any{
					"senior_id": in.SeniorID,
					"plan_id":   in.PlanID,
				},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", in.EventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
