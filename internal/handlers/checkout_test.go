package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

type stubCheckoutService struct {
	startFunc        func(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSession, error)
	guestFunc        func(ctx context.Context, id string) (services.CheckoutSession, error)
	authFunc         func(ctx context.Context, cmd services.AuthenticateCommand) (services.CheckoutSession, error)
	promptFunc       func(ctx context.Context, id string) (services.CheckoutSession, error)
	billingFunc      func(ctx context.Context, id string, billing services.BillingInfo) (services.CheckoutSession, error)
	couponFunc       func(ctx context.Context, id, code string) (services.CheckoutSession, error)
	submitFunc       func(ctx context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSession, error)
	cancelFunc       func(ctx context.Context, id string) (services.CheckoutSession, error)
	getFunc          func(ctx context.Context, id string) (services.CheckoutSession, error)
	awaitFunc        func(ctx context.Context, id string, wait time.Duration) (services.CheckoutSession, error)
	credentialsFunc  func(ctx context.Context, id string) (*services.GuestCredentials, error)
	guestLoginFunc   func(ctx context.Context, id string) (services.AuthSession, error)
	credentialsCalls int
}

func (s *stubCheckoutService) Start(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSession, error) {
	if s.startFunc != nil {
		return s.startFunc(ctx, cmd)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) ContinueAsGuest(ctx context.Context, id string) (services.CheckoutSession, error) {
	if s.guestFunc != nil {
		return s.guestFunc(ctx, id)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) Authenticate(ctx context.Context, cmd services.AuthenticateCommand) (services.CheckoutSession, error) {
	if s.authFunc != nil {
		return s.authFunc(ctx, cmd)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) OpenIdentityPrompt(ctx context.Context, id string) (services.CheckoutSession, error) {
	if s.promptFunc != nil {
		return s.promptFunc(ctx, id)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) UpdateBilling(ctx context.Context, id string, billing services.BillingInfo) (services.CheckoutSession, error) {
	if s.billingFunc != nil {
		return s.billingFunc(ctx, id, billing)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) ApplyCoupon(ctx context.Context, id, code string) (services.CheckoutSession, error) {
	if s.couponFunc != nil {
		return s.couponFunc(ctx, id, code)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) Submit(ctx context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSession, error) {
	if s.submitFunc != nil {
		return s.submitFunc(ctx, cmd)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) CancelPayment(ctx context.Context, id string) (services.CheckoutSession, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, id)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) Get(ctx context.Context, id string) (services.CheckoutSession, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, id)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) Await(ctx context.Context, id string, wait time.Duration) (services.CheckoutSession, error) {
	if s.awaitFunc != nil {
		return s.awaitFunc(ctx, id, wait)
	}
	return services.CheckoutSession{}, nil
}

func (s *stubCheckoutService) TakeCredentials(ctx context.Context, id string) (*services.GuestCredentials, error) {
	s.credentialsCalls++
	if s.credentialsFunc != nil {
		return s.credentialsFunc(ctx, id)
	}
	return nil, services.ErrCheckoutCredentialsUnavailable
}

func (s *stubCheckoutService) LoginWithGuestCredentials(ctx context.Context, id string) (services.AuthSession, error) {
	if s.guestLoginFunc != nil {
		return s.guestLoginFunc(ctx, id)
	}
	return services.AuthSession{}, nil
}

func (s *stubCheckoutService) SweepExpired(context.Context) int { return 0 }

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[idToken]; ok {
		return token, nil
	}
	return nil, errors.New("invalid token")
}

func newCheckoutRouter(svc services.CheckoutService, authn *auth.Authenticator, opts ...CheckoutHandlersOption) chi.Router {
	router := chi.NewRouter()
	NewCheckoutHandlers(authn, svc, opts...).Routes(router)
	return router
}

func serve(t *testing.T, router http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func formSession() services.CheckoutSession {
	return services.CheckoutSession{
		ID:       "chk_1",
		Phase:    services.PhaseFormEntry,
		Identity: services.IdentityGuest,
		Product:  services.Product{ID: "prod_1", Name: "Starter plan", PricingMode: domain.PricingModeOneTime},
		Totals:   services.Totals{Subtotal: 50000, Total: 50000},
		Currency: "INR",
		Version:  3,
	}
}

func TestCheckoutHandlersStartAnonymous(t *testing.T) {
	var captured services.StartCheckoutCommand
	svc := &stubCheckoutService{
		startFunc: func(_ context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSession, error) {
			captured = cmd
			return services.CheckoutSession{ID: "chk_1", Phase: services.PhaseIdentityPending, Blocked: true, Currency: "INR"}, nil
		},
	}
	router := newCheckoutRouter(svc, auth.NewAuthenticator(stubVerifier{}))

	rr, body := serve(t, router, http.MethodPost, "/sessions", `{"productId":" prod_1 "}`)

	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "prod_1", captured.ProductID)
	assert.Empty(t, captured.IDToken)
	assert.Equal(t, "identity_pending", body["state"])
	assert.Equal(t, true, body["blocked"])
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
}

func TestCheckoutHandlersStartWithBearerToken(t *testing.T) {
	var captured services.StartCheckoutCommand
	svc := &stubCheckoutService{
		startFunc: func(_ context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSession, error) {
			captured = cmd
			view := formSession()
			view.Identity = services.IdentitySession
			view.BuyerID = "user-1"
			return view, nil
		},
	}
	verifier := stubVerifier{tokens: map[string]*firebaseauth.Token{"tok-1": {UID: "user-1"}}}
	router := newCheckoutRouter(svc, auth.NewAuthenticator(verifier))

	rr, body := serve(t, router, http.MethodPost, "/sessions", `{"productId":"prod_1"}`, "Authorization", "Bearer tok-1")
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "tok-1", captured.IDToken)
	buyer, ok := body["buyer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user-1", buyer["userId"])

	rr, body = serve(t, router, http.MethodPost, "/sessions", `{"productId":"prod_1"}`, "Authorization", "Bearer bogus")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_token", body["error"])
}

func TestCheckoutHandlersStartValidation(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{}, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions", `{"productId":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", body["error"])

	rr, _ = serve(t, router, http.MethodPost, "/sessions", `{"productId":"p","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCheckoutHandlersStartProductMissing(t *testing.T) {
	svc := &stubCheckoutService{
		startFunc: func(context.Context, services.StartCheckoutCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{ID: "chk_9", Phase: services.PhaseFailed, Message: "This product is no longer available."}, services.ErrCheckoutProductNotFound
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions", `{"productId":"gone"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "product_not_found", body["error"])
	session, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", session["state"])
}

func TestCheckoutHandlersGetLongPollIsCapped(t *testing.T) {
	var waited time.Duration
	svc := &stubCheckoutService{
		awaitFunc: func(_ context.Context, id string, wait time.Duration) (services.CheckoutSession, error) {
			waited = wait
			view := formSession()
			view.ID = id
			return view, nil
		},
		getFunc: func(context.Context, string) (services.CheckoutSession, error) {
			t.Fatal("Get should not be used when wait is supplied")
			return services.CheckoutSession{}, nil
		},
	}
	router := newCheckoutRouter(svc, nil, WithLongPollMax(2*time.Second))

	rr, body := serve(t, router, http.MethodGet, "/sessions/chk_7?wait=5m", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2*time.Second, waited)
	assert.Equal(t, "chk_7", body["id"])

	rr, _ = serve(t, router, http.MethodGet, "/sessions/chk_7?wait=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, time.Second, waited)

	rr, _ = serve(t, router, http.MethodGet, "/sessions/chk_7?wait=soon", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCheckoutHandlersProcessingExposesPaymentSurface(t *testing.T) {
	svc := &stubCheckoutService{
		submitFunc: func(_ context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSession, error) {
			assert.Equal(t, domain.PaymentMethodOnline, cmd.Method)
			view := formSession()
			view.Phase = services.PhaseProcessing
			view.Method = cmd.Method
			view.Payment = &payments.Surface{Gateway: "stripe", SessionID: "cs_1", RedirectURL: "https://checkout.stripe.com/c/cs_1"}
			return view, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/submit", `{"method":"online"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	payment, ok := body["payment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", payment["redirectUrl"])
	assert.Nil(t, body["order"])
}

func TestCheckoutHandlersCompletedSessionRevealsCredentialsOnce(t *testing.T) {
	invoiceURL := "https://storage.example.com/invoices/ord_1/INV-2025-00001.pdf"
	complete := formSession()
	complete.Phase = services.PhaseComplete
	complete.OrderID = "ord_1"
	complete.OrderNumber = "ORD-2025-000001"
	complete.PaymentID = "pay_1"
	complete.InvoiceURL = &invoiceURL
	complete.CredentialsAvailable = true

	revealed := false
	svc := &stubCheckoutService{
		getFunc: func(context.Context, string) (services.CheckoutSession, error) {
			view := complete
			view.CredentialsAvailable = !revealed
			return view, nil
		},
		credentialsFunc: func(context.Context, string) (*services.GuestCredentials, error) {
			if revealed {
				return nil, services.ErrCheckoutCredentialsUnavailable
			}
			revealed = true
			return &services.GuestCredentials{Email: "a@b.com", Password: "Xy7#kLm2pQr9", UserID: "uid-1"}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodGet, "/sessions/chk_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	creds, ok := body["credentials"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@b.com", creds["email"])
	assert.Equal(t, "Xy7#kLm2pQr9", creds["password"])
	assert.Equal(t, false, body["credentialsAvailable"])
	order, ok := body["order"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ORD-2025-000001", order["number"])
	assert.Equal(t, invoiceURL, order["invoiceUrl"])

	rr, body = serve(t, router, http.MethodGet, "/sessions/chk_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, body["credentials"])
	assert.Equal(t, 1, svc.credentialsCalls)
}

func TestCheckoutHandlersStorageOutageRendersNullInvoice(t *testing.T) {
	svc := &stubCheckoutService{
		submitFunc: func(context.Context, services.SubmitCheckoutCommand) (services.CheckoutSession, error) {
			view := formSession()
			view.Phase = services.PhaseComplete
			view.OrderID = "ord_1"
			view.OrderNumber = "ORD-2025-000004"
			view.SideEffects = []services.SideEffectReport{{Step: "invoice", OK: false, Error: "storage unavailable"}}
			return view, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/submit", `{"method":"cash"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	order := body["order"].(map[string]any)
	assert.Contains(t, order, "invoiceUrl")
	assert.Nil(t, order["invoiceUrl"])
	assert.NotContains(t, rr.Body.String(), "storage unavailable")
}

func TestCheckoutHandlersMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		view   services.CheckoutSession
		status int
		code   string
	}{
		{"coupon below minimum", &services.CouponError{Kind: services.CouponBelowMinimum, Minimum: 25000, Currency: "INR"}, formSession(), http.StatusUnprocessableEntity, "coupon_below_minimum"},
		{"coupon applied twice", services.ErrCheckoutInvalidState, formSession(), http.StatusConflict, "invalid_state"},
		{"identity required", services.ErrIdentityRequired, services.CheckoutSession{ID: "chk_1", Phase: services.PhaseIdentityPending, Blocked: true}, http.StatusConflict, "identity_required"},
		{"session expired", services.ErrCheckoutSessionNotFound, services.CheckoutSession{}, http.StatusNotFound, "session_not_found"},
		{"payment unavailable", services.ErrCheckoutPaymentUnavailable, services.CheckoutSession{ID: "chk_1", Phase: services.PhaseFormEntry, Message: "Online payment is unavailable right now."}, http.StatusServiceUnavailable, "payment_unavailable"},
		{"commit failed", services.ErrCheckoutPersistence, services.CheckoutSession{ID: "chk_1", Phase: services.PhaseFormEntry, Message: "We couldn't place your order. Please try again."}, http.StatusServiceUnavailable, "order_not_placed"},
		{"coupon lookup down", services.ErrCouponUnavailable, formSession(), http.StatusServiceUnavailable, "checkout_unavailable"},
		{"unexpected", errors.New("boom"), services.CheckoutSession{}, http.StatusInternalServerError, "checkout_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				couponFunc: func(context.Context, string, string) (services.CheckoutSession, error) {
					return tc.view, tc.err
				},
			}
			router := newCheckoutRouter(svc, nil)

			rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/coupon", `{"code":"SAVE20"}`)
			require.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, body["error"])
			if tc.view.ID != "" {
				assert.Contains(t, body, "session")
			}
			assert.NotContains(t, rr.Body.String(), "boom")
		})
	}
}

func TestCheckoutHandlersInvalidInputHidesDetail(t *testing.T) {
	svc := &stubCheckoutService{
		submitFunc: func(_ context.Context, cmd services.SubmitCheckoutCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{}, fmt.Errorf("%w: unsupported payment method %q", services.ErrCheckoutInvalidInput, cmd.Method)
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/submit", `{"method":"cheque"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_request", body["error"])
	assert.NotContains(t, rr.Body.String(), "cheque")
	assert.NotContains(t, rr.Body.String(), "checkout: invalid input")
}

func TestCheckoutHandlersValidationFields(t *testing.T) {
	svc := &stubCheckoutService{
		submitFunc: func(context.Context, services.SubmitCheckoutCommand) (services.CheckoutSession, error) {
			return formSession(), &services.ValidationError{Fields: []string{"city", "postalCode"}}
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/submit", `{"method":"cash"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "validation_failed", body["error"])
	assert.Equal(t, []any{"city", "postalCode"}, body["fields"])
}

func TestCheckoutHandlersLoginDoesNotEchoPassword(t *testing.T) {
	var captured services.AuthenticateCommand
	svc := &stubCheckoutService{
		authFunc: func(_ context.Context, cmd services.AuthenticateCommand) (services.CheckoutSession, error) {
			captured = cmd
			return services.CheckoutSession{ID: cmd.SessionID, Phase: services.PhaseIdentityPending}, services.ErrCheckoutAuthFailed
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/login", `{"email":" buyer@example.com ","password":"hunter2!"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_credentials", body["error"])
	assert.Equal(t, "chk_1", captured.SessionID)
	assert.Equal(t, "buyer@example.com", captured.Email)
	assert.NotContains(t, rr.Body.String(), "hunter2!")
}

func TestCheckoutHandlersBillingAndGuestRoutes(t *testing.T) {
	var billing services.BillingInfo
	svc := &stubCheckoutService{
		billingFunc: func(_ context.Context, _ string, b services.BillingInfo) (services.CheckoutSession, error) {
			billing = b
			view := formSession()
			view.Billing = b
			return view, nil
		},
		guestFunc: func(_ context.Context, id string) (services.CheckoutSession, error) {
			view := formSession()
			view.ID = id
			return view, nil
		},
		cancelFunc: func(context.Context, string) (services.CheckoutSession, error) {
			return formSession(), nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, _ := serve(t, router, http.MethodPost, "/sessions/chk_2/guest", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body := serve(t, router, http.MethodPut, "/sessions/chk_1/billing", `{"fullName":"Aiko Tanaka","email":"a@b.com","city":"Bengaluru"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Bengaluru", billing.City)
	assert.Equal(t, "Aiko Tanaka", body["billing"].(map[string]any)["fullName"])

	rr, body = serve(t, router, http.MethodPost, "/sessions/chk_1/payment/cancel", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "form_entry", body["state"])
	assert.NotContains(t, body, "message")
}

func TestCheckoutHandlersGuestCredentialLogin(t *testing.T) {
	svc := &stubCheckoutService{
		guestLoginFunc: func(_ context.Context, id string) (services.AuthSession, error) {
			if id != "chk_1" {
				return services.AuthSession{}, services.ErrCheckoutCredentialsUnavailable
			}
			return services.AuthSession{UserID: "uid-1", Email: "a@b.com", IDToken: "id-token", RefreshToken: "refresh"}, nil
		},
	}
	router := newCheckoutRouter(svc, nil)

	rr, body := serve(t, router, http.MethodPost, "/sessions/chk_1/credentials/login", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "uid-1", body["userId"])
	assert.Equal(t, "id-token", body["idToken"])

	rr, body = serve(t, router, http.MethodPost, "/sessions/chk_2/credentials/login", "")
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, "credentials_unavailable", body["error"])
}
