package payments

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"
)

const testWebhookSecret = "whsec_test"

func signedEvent(t *testing.T, eventType, sessionID, paymentStatus string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": "2020-08-27",
		"type": %q,
		"data": {"object": {"id": %q, "object": "checkout.session", "payment_status": %q, "payment_intent": "pi_42"}}
	}`, eventType, sessionID, paymentStatus))
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret})
	return signed.Payload, signed.Header
}

func TestStripeEventTranslatorSettles(t *testing.T) {
	hub := NewSettlementHub()
	attempt := NewAttempt(Surface{SessionID: "cs_1"})
	hub.Register("cs_1", attempt)

	translator, err := NewStripeEventTranslator(testWebhookSecret, hub, nil)
	require.NoError(t, err)

	payload, header := signedEvent(t, "checkout.session.completed", "cs_1", "paid")
	action, err := translator.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, SettlementSettled, action)

	result, err := attempt.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pi_42", result.TransactionID)
}

func TestStripeEventTranslatorMapsOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		eventType     string
		paymentStatus string
		wantAction    SettlementAction
		wantErr       error
	}{
		{name: "async failure", eventType: "checkout.session.async_payment_failed", paymentStatus: "unpaid", wantAction: SettlementFailed, wantErr: ErrPaymentFailed},
		{name: "expired", eventType: "checkout.session.expired", paymentStatus: "unpaid", wantAction: SettlementDismissed, wantErr: ErrPaymentCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hub := NewSettlementHub()
			attempt := NewAttempt(Surface{SessionID: "cs_2"})
			hub.Register("cs_2", attempt)
			translator, err := NewStripeEventTranslator(testWebhookSecret, hub, nil)
			require.NoError(t, err)

			payload, header := signedEvent(t, tc.eventType, "cs_2", tc.paymentStatus)
			action, err := translator.Handle(context.Background(), payload, header)
			require.NoError(t, err)
			assert.Equal(t, tc.wantAction, action)

			_, err = attempt.Wait(context.Background())
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestStripeEventTranslatorIgnoresUnpaidCompletion(t *testing.T) {
	hub := NewSettlementHub()
	hub.Register("cs_3", NewAttempt(Surface{SessionID: "cs_3"}))
	translator, err := NewStripeEventTranslator(testWebhookSecret, hub, nil)
	require.NoError(t, err)

	payload, header := signedEvent(t, "checkout.session.completed", "cs_3", "unpaid")
	action, err := translator.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, SettlementIgnored, action)
	assert.Equal(t, 1, hub.Pending())
}

func TestStripeEventTranslatorRejectsBadSignature(t *testing.T) {
	translator, err := NewStripeEventTranslator(testWebhookSecret, NewSettlementHub(), nil)
	require.NoError(t, err)

	payload, _ := signedEvent(t, "checkout.session.completed", "cs_1", "paid")
	_, err = translator.Handle(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestStripeEventTranslatorIgnoresOtherEvents(t *testing.T) {
	translator, err := NewStripeEventTranslator(testWebhookSecret, NewSettlementHub(), nil)
	require.NoError(t, err)

	payload, header := signedEvent(t, "customer.created", "cus_1", "")
	action, err := translator.Handle(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, SettlementIgnored, action)
}
