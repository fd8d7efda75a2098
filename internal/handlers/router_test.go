package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/services"
)

func TestRouterHealthChecks(t *testing.T) {
	start := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	now := start
	healthy := true
	health := NewHealthHandlers(
		WithHealthClock(func() time.Time { return now }),
		WithHealthCheck("firestore", func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("unavailable")
		}),
	)
	router := NewRouter(WithHealthHandlers(health))

	now = start.Add(90 * time.Second)
	rr, body := serve(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1m30s", body["uptime"])
	assert.Equal(t, map[string]any{"firestore": "ok"}, body["checks"])

	healthy = false
	rr, body = serve(t, router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestRouterMountsGroups(t *testing.T) {
	svc := &stubCheckoutService{
		getFunc: func(_ context.Context, id string) (services.CheckoutSession, error) {
			view := formSession()
			view.ID = id
			return view, nil
		},
	}
	router := NewRouter(WithCheckoutRoutes(NewCheckoutHandlers(nil, svc).Routes))

	rr, body := serve(t, router, http.MethodGet, "/api/v1/checkout/sessions/chk_5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "chk_5", body["id"])
	assert.NotEmpty(t, rr.Header().Get("Content-Type"))

	rr, body = serve(t, router, http.MethodPost, "/api/v1/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
	assert.Equal(t, "not_implemented", body["error"])

	rr, body = serve(t, router, http.MethodGet, "/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "route_not_found", body["error"])
}

func TestRouterWithoutBasePath(t *testing.T) {
	router := NewRouter(
		WithBasePath(""),
		WithWebhookRoutes(NewWebhookHandlers(nil).Routes),
	)

	rr, body := serve(t, router, http.MethodPost, "/webhooks/stripe", `{}`, "Stripe-Signature", "t=1,v1=ok")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "webhook_unavailable", body["error"])
}
