package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// SettlementAction describes what a gateway event did to its attempt.
type SettlementAction string

const (
	SettlementSettled   SettlementAction = "settled"
	SettlementFailed    SettlementAction = "failed"
	SettlementDismissed SettlementAction = "dismissed"
	SettlementIgnored   SettlementAction = "ignored"
)

// StripeEventTranslator verifies Stripe webhooks and turns checkout session events into
// settlement hub calls.
type StripeEventTranslator struct {
	secret string
	hub    *SettlementHub
	logger StripeLogger
}

// NewStripeEventTranslator constructs a translator bound to the webhook signing secret.
func NewStripeEventTranslator(secret string, hub *SettlementHub, logger StripeLogger) (*StripeEventTranslator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe webhook: signing secret is required")
	}
	if hub == nil {
		return nil, errors.New("stripe webhook: settlement hub is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeEventTranslator{secret: secret, hub: hub, logger: logger}, nil
}

// Handle verifies payload against the Stripe-Signature header and applies the event.
func (t *StripeEventTranslator) Handle(ctx context.Context, payload []byte, signature string) (SettlementAction, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, t.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return SettlementIgnored, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return t.Apply(ctx, event)
}

// Apply routes an already verified event to the hub.
func (t *StripeEventTranslator) Apply(ctx context.Context, event stripe.Event) (SettlementAction, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
	default:
		return SettlementIgnored, nil
	}

	if event.Data == nil {
		return SettlementIgnored, errors.New("stripe webhook: event data missing")
	}
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return SettlementIgnored, fmt.Errorf("stripe webhook: decode checkout session: %w", err)
	}

	action := SettlementIgnored
	resolved := false
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		// Delayed payment methods complete the session unpaid and settle later.
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			break
		}
		action = SettlementSettled
		resolved = t.hub.Settle(session.ID, transactionID(session))
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		action = SettlementFailed
		resolved = t.hub.Fail(session.ID, "the payment could not be completed")
	case stripe.EventTypeCheckoutSessionExpired:
		action = SettlementDismissed
		resolved = t.hub.Dismiss(session.ID)
	}

	t.logger(ctx, "payments.stripe.webhook", map[string]any{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"sessionId": session.ID,
		"action":    string(action),
		"resolved":  resolved,
	})
	if !resolved {
		return SettlementIgnored, nil
	}
	return action, nil
}

func transactionID(session stripe.CheckoutSession) string {
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		return session.PaymentIntent.ID
	}
	return session.ID
}
