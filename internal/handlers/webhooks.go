package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/observability"
)

const (
	maxWebhookBody        = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// StripeEventHandler verifies and applies a raw Stripe webhook delivery.
type StripeEventHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (payments.SettlementAction, error)
}

// WebhookHandlers receives gateway callbacks.
type WebhookHandlers struct {
	stripe StripeEventHandler
}

// NewWebhookHandlers constructs webhook handlers. A nil Stripe handler answers 503.
func NewWebhookHandlers(stripe StripeEventHandler) *WebhookHandlers {
	return &WebhookHandlers{stripe: stripe}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	signature := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "missing Stripe-Signature header", http.StatusBadRequest))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is too large", http.StatusRequestEntityTooLarge))
		return
	}

	action, err := h.stripe.Handle(ctx, payload, signature)
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	case err != nil:
		observability.FromContext(ctx).Warn("stripe webhook rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook event could not be processed", http.StatusBadRequest))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"action":   string(action),
	})
}
