package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// GatewayStripe names the Stripe gateway on payment records.
	GatewayStripe = "stripe"

	// Stripe rejects checkout sessions expiring sooner than 30 minutes.
	minStripeSessionTTL = 30 * time.Minute

	checkoutIDPlaceholder = "{CHECKOUT_ID}"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	SuccessURL string
	CancelURL  string
	SessionTTL time.Duration
	Hub        *SettlementHub
	Logger     StripeLogger
	Clock      func() time.Time

	loadBackends func(ctx context.Context) (*stripe.Backends, error)
	newSessions  func(key string, backends *stripe.Backends) stripeSessionAPI
}

// StripeGateway opens hosted Stripe Checkout sessions. The Stripe backends are created on first
// use; concurrent first callers share the same in-flight load.
type StripeGateway struct {
	successURL string
	cancelURL  string
	sessionTTL time.Duration
	hub        *SettlementHub
	logger     StripeLogger
	clock      func() time.Time

	loadBackends func(ctx context.Context) (*stripe.Backends, error)
	newSessions  func(key string, backends *stripe.Backends) stripeSessionAPI

	mu       sync.Mutex
	loadCh   chan struct{}
	backends *stripe.Backends
	loadErr  error
}

// NewStripeGateway constructs a Stripe gateway adapter.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	if cfg.Hub == nil {
		return nil, errors.New("stripe gateway: settlement hub is required")
	}
	if strings.TrimSpace(cfg.SuccessURL) == "" || strings.TrimSpace(cfg.CancelURL) == "" {
		return nil, errors.New("stripe gateway: success and cancel urls are required")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := cfg.SessionTTL
	if ttl < minStripeSessionTTL {
		ttl = minStripeSessionTTL
	}

	gateway := &StripeGateway{
		successURL:   strings.TrimSpace(cfg.SuccessURL),
		cancelURL:    strings.TrimSpace(cfg.CancelURL),
		sessionTTL:   ttl,
		hub:          cfg.Hub,
		logger:       logger,
		clock:        func() time.Time { return clock().UTC() },
		loadBackends: cfg.loadBackends,
		newSessions:  cfg.newSessions,
	}
	if gateway.loadBackends == nil {
		gateway.loadBackends = defaultStripeBackends
	}
	if gateway.newSessions == nil {
		gateway.newSessions = func(key string, backends *stripe.Backends) stripeSessionAPI {
			return client.New(key, backends).CheckoutSessions
		}
	}
	return gateway, nil
}

// Initiate creates a Stripe Checkout session and registers the pending attempt with the hub.
// The attempt settles when the matching webhook or cancel return arrives.
func (g *StripeGateway) Initiate(ctx context.Context, opts Options) (*Attempt, error) {
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, errors.New("stripe gateway: api key is required")
	}
	if opts.Amount <= 0 {
		return nil, errors.New("stripe gateway: amount must be positive")
	}

	backends, err := g.ensureLoaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	checkoutID := opts.Metadata["checkoutId"]
	now := g.clock()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(expandCheckoutURL(g.successURL, checkoutID)),
		CancelURL:  stripe.String(expandCheckoutURL(g.cancelURL, checkoutID)),
		ExpiresAt:  stripe.Int64(now.Add(g.sessionTTL).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(opts.Currency)),
				UnitAmount: stripe.Int64(opts.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(opts.Label, "Order")),
				},
			},
		}},
	}
	params.Context = ctx
	if desc := strings.TrimSpace(opts.Description); desc != "" {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(desc)
	}
	if checkoutID != "" {
		params.ClientReferenceID = stripe.String(checkoutID)
		params.SetIdempotencyKey("checkout-" + checkoutID + "-" + fmt.Sprint(now.UnixNano()))
	}
	if email := strings.TrimSpace(opts.Prefill.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	if strings.TrimSpace(opts.Prefill.Phone) != "" {
		params.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{Enabled: stripe.Bool(true)}
	}

	metadata := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if name := strings.TrimSpace(opts.Prefill.Name); name != "" {
		metadata["buyerName"] = name
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	session, err := g.newSessions(key, backends).New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe gateway: create checkout session: %w", err)
	}

	expiresAt := now.Add(g.sessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	attempt := NewAttempt(Surface{
		Gateway:     GatewayStripe,
		SessionID:   session.ID,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	})
	g.hub.Register(session.ID, attempt)

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":  session.ID,
		"checkoutId": checkoutID,
		"amount":     opts.Amount,
		"currency":   strings.ToUpper(opts.Currency),
	})
	return attempt, nil
}

// ensureLoaded returns the shared Stripe backends, creating them once. A failed load is not
// cached; the next caller retries.
func (g *StripeGateway) ensureLoaded(ctx context.Context) (*stripe.Backends, error) {
	g.mu.Lock()
	if g.backends != nil {
		backends := g.backends
		g.mu.Unlock()
		return backends, nil
	}
	if waitCh := g.loadCh; waitCh != nil {
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.backends != nil {
			return g.backends, nil
		}
		return nil, g.loadErr
	}
	waitCh := make(chan struct{})
	g.loadCh = waitCh
	g.mu.Unlock()

	backends, err := g.loadBackends(ctx)

	g.mu.Lock()
	g.loadCh = nil
	g.loadErr = err
	if err == nil {
		g.backends = backends
	}
	g.mu.Unlock()
	close(waitCh)

	if err != nil {
		g.logger(ctx, "payments.stripe.load.failed", map[string]any{"error": err.Error()})
	}
	return backends, err
}

func defaultStripeBackends(context.Context) (*stripe.Backends, error) {
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}, nil
}

func expandCheckoutURL(raw, checkoutID string) string {
	return strings.ReplaceAll(raw, checkoutIDPlaceholder, checkoutID)
}

func defaultString(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
