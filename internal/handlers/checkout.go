package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024
	defaultLongPollMax     = 60 * time.Second
)

// CheckoutHandlers exposes the checkout session endpoints. Buyers may be anonymous; a bearer
// token, when present, resolves their identity up front.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	longPollMax time.Duration
}

// CheckoutHandlersOption customises CheckoutHandlers.
type CheckoutHandlersOption func(*CheckoutHandlers)

// WithLongPollMax caps the wait accepted by GET /sessions/{id}?wait=.
func WithLongPollMax(limit time.Duration) CheckoutHandlersOption {
	return func(h *CheckoutHandlers) {
		if limit > 0 {
			h.longPollMax = limit
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers with optional Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutHandlersOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:       authn,
		checkout:    checkout,
		longPollMax: defaultLongPollMax,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.OptionalFirebaseAuth())
	}
	group.Post("/sessions", h.startSession)
	group.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Use(sessionContext)
		s.Get("/", h.getSession)
		s.Post("/guest", h.continueAsGuest)
		s.Post("/login", h.login)
		s.Post("/identity-prompt", h.openIdentityPrompt)
		s.Put("/billing", h.updateBilling)
		s.Post("/coupon", h.applyCoupon)
		s.Post("/submit", h.submit)
		s.Post("/payment/cancel", h.cancelPayment)
		s.Post("/credentials/login", h.loginWithCredentials)
	})
}

type startSessionRequest struct {
	ProductID string `json:"productId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type billingRequest struct {
	FullName     string `json:"fullName"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"addressLine1"`
	AddressLine2 string `json:"addressLine2"`
	City         string `json:"city"`
	State        string `json:"state"`
	PostalCode   string `json:"postalCode"`
	Country      string `json:"country"`
	Notes        string `json:"notes"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type submitRequest struct {
	Method string `json:"method"`
}

type checkoutSessionResponse struct {
	ID                   string              `json:"id"`
	State                string              `json:"state"`
	Blocked              bool                `json:"blocked"`
	Identity             string              `json:"identity,omitempty"`
	Buyer                *buyerPayload       `json:"buyer,omitempty"`
	Product              productPayload      `json:"product"`
	Billing              billingPayload      `json:"billing"`
	Coupon               *couponPayload      `json:"coupon,omitempty"`
	Totals               totalsPayload       `json:"totals"`
	Currency             string              `json:"currency"`
	Method               string              `json:"method,omitempty"`
	Message              string              `json:"message,omitempty"`
	Payment              *paymentPayload     `json:"payment,omitempty"`
	Order                *orderPayload       `json:"order,omitempty"`
	Credentials          *credentialsPayload `json:"credentials,omitempty"`
	CredentialsAvailable bool                `json:"credentialsAvailable"`
	SideEffects          []sideEffectPayload `json:"sideEffects,omitempty"`
	ExpiresAt            string              `json:"expiresAt,omitempty"`
	Version              int64               `json:"version"`
}

type buyerPayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

type productPayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PricingMode string   `json:"pricingMode,omitempty"`
	Features    []string `json:"features,omitempty"`
}

type billingPayload billingRequest

type couponPayload struct {
	Code     string `json:"code"`
	Discount int64  `json:"discount"`
}

type totalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

type paymentPayload struct {
	Gateway     string `json:"gateway"`
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
}

type orderPayload struct {
	ID         string  `json:"id"`
	Number     string  `json:"number"`
	PaymentID  string  `json:"paymentId"`
	InvoiceURL *string `json:"invoiceUrl"`
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sideEffectPayload struct {
	Step string `json:"step"`
	OK   bool   `json:"ok"`
}

type authSessionResponse struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (h *CheckoutHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req startSessionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required", http.StatusBadRequest))
		return
	}

	cmd := services.StartCheckoutCommand{ProductID: productID}
	if _, ok := auth.IdentityFromContext(ctx); ok {
		cmd.IDToken, _ = bearerToken(r)
	}

	view, err := h.checkout.Start(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, view, err)
		return
	}
	h.writeSession(ctx, w, http.StatusCreated, view)
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wait, err := h.parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "wait must be a duration such as 30s", http.StatusBadRequest))
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	var view services.CheckoutSession
	if wait > 0 {
		view, err = h.checkout.Await(ctx, sessionID, wait)
	} else {
		view, err = h.checkout.Get(ctx, sessionID)
	}
	if err != nil {
		if ctx.Err() != nil {
			// client went away mid long-poll
			return
		}
		h.writeCheckoutError(ctx, w, view, err)
		return
	}
	h.writeSession(ctx, w, http.StatusOK, view)
}

func (h *CheckoutHandlers) continueAsGuest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.ContinueAsGuest(ctx, chi.URLParam(r, "sessionID"))
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req loginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	view, err := h.checkout.Authenticate(ctx, services.AuthenticateCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		Email:     strings.TrimSpace(req.Email),
		Password:  req.Password,
	})
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) openIdentityPrompt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.OpenIdentityPrompt(ctx, chi.URLParam(r, "sessionID"))
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) updateBilling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req billingRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	view, err := h.checkout.UpdateBilling(ctx, chi.URLParam(r, "sessionID"), services.BillingInfo{
		FullName:     req.FullName,
		Email:        req.Email,
		Phone:        req.Phone,
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		State:        req.State,
		PostalCode:   req.PostalCode,
		Country:      req.Country,
		Notes:        req.Notes,
	})
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req couponRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	view, err := h.checkout.ApplyCoupon(ctx, chi.URLParam(r, "sessionID"), req.Code)
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	view, err := h.checkout.Submit(ctx, services.SubmitCheckoutCommand{
		SessionID: chi.URLParam(r, "sessionID"),
		Method:    services.PaymentMethod(strings.TrimSpace(req.Method)),
	})
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.CancelPayment(ctx, chi.URLParam(r, "sessionID"))
	h.writeResult(ctx, w, view, err)
}

func (h *CheckoutHandlers) loginWithCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	session, err := h.checkout.LoginWithGuestCredentials(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeCheckoutError(ctx, w, services.CheckoutSession{}, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, authSessionResponse{
		UserID:       session.UserID,
		Email:        session.Email,
		IDToken:      session.IDToken,
		RefreshToken: session.RefreshToken,
	})
}

func (h *CheckoutHandlers) writeResult(ctx context.Context, w http.ResponseWriter, view services.CheckoutSession, err error) {
	if err != nil {
		h.writeCheckoutError(ctx, w, view, err)
		return
	}
	h.writeSession(ctx, w, http.StatusOK, view)
}

// writeSession renders the view. Guest credentials are attached the first time a completed
// session is rendered and never again.
func (h *CheckoutHandlers) writeSession(ctx context.Context, w http.ResponseWriter, status int, view services.CheckoutSession) {
	payload := newSessionResponse(view)
	if view.Phase == services.PhaseComplete && view.CredentialsAvailable {
		if creds, err := h.checkout.TakeCredentials(ctx, view.ID); err == nil && creds != nil {
			payload.Credentials = &credentialsPayload{Email: creds.Email, Password: creds.Password}
			payload.CredentialsAvailable = false
		}
	}
	httpx.WriteJSON(w, status, payload)
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, view services.CheckoutSession, err error) {
	withSession := func(e httpx.Error) httpx.Error {
		if view.ID == "" {
			return e
		}
		return e.WithDetails(map[string]any{"session": newSessionResponse(view)})
	}

	var couponErr *services.CouponError
	var validationErr *services.ValidationError
	switch {
	case errors.As(err, &couponErr):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("coupon_"+string(couponErr.Kind), couponErr.Error(), http.StatusUnprocessableEntity)))
	case errors.As(err, &validationErr):
		e := withSession(httpx.NewError("validation_failed", "Please complete the required billing fields.", http.StatusUnprocessableEntity))
		if e.Details == nil {
			e = e.WithDetails(map[string]any{"fields": validationErr.Fields})
		} else {
			e.Details["fields"] = validationErr.Fields
		}
		httpx.WriteError(ctx, w, e)
	case errors.Is(err, services.ErrIdentityRequired):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("identity_required", "Sign in or continue as guest to place your order.", http.StatusConflict)))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		observability.FromContext(ctx).Info("checkout request rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "The request is missing or has an unsupported value.", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "This checkout has expired. Please start again.", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutProductNotFound):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("product_not_found", "This product is no longer available.", http.StatusNotFound)))
	case errors.Is(err, services.ErrCheckoutInvalidState):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("invalid_state", "This action is not available right now.", http.StatusConflict)))
	case errors.Is(err, services.ErrCheckoutAuthFailed):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("invalid_credentials", "The email or password is incorrect.", http.StatusUnauthorized)))
	case errors.Is(err, services.ErrCheckoutCredentialsUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("credentials_unavailable", "Account details are no longer available for this checkout.", http.StatusGone))
	case errors.Is(err, services.ErrCheckoutPaymentUnavailable):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("payment_unavailable", view.Message, http.StatusServiceUnavailable)))
	case errors.Is(err, services.ErrCheckoutPersistence):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("order_not_placed", view.Message, http.StatusServiceUnavailable)))
	case errors.Is(err, services.ErrCheckoutUnavailable), errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, withSession(httpx.NewError("checkout_unavailable", "Checkout is temporarily unavailable. Please try again.", http.StatusServiceUnavailable)))
	default:
		observability.FromContext(ctx).Error("checkout request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "Something went wrong. Please try again.", http.StatusInternalServerError))
	}
}

func (h *CheckoutHandlers) parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, err
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}
	if wait > h.longPollMax {
		wait = h.longPollMax
	}
	return wait, nil
}

func newSessionResponse(view services.CheckoutSession) checkoutSessionResponse {
	resp := checkoutSessionResponse{
		ID:       view.ID,
		State:    string(view.Phase),
		Blocked:  view.Blocked,
		Identity: string(view.Identity),
		Product: productPayload{
			ID:          view.Product.ID,
			Name:        view.Product.Name,
			Description: view.Product.Description,
			PricingMode: string(view.Product.PricingMode),
			Features:    view.Product.Features,
		},
		Billing: billingPayload{
			FullName:     view.Billing.FullName,
			Email:        view.Billing.Email,
			Phone:        view.Billing.Phone,
			AddressLine1: view.Billing.AddressLine1,
			AddressLine2: view.Billing.AddressLine2,
			City:         view.Billing.City,
			State:        view.Billing.State,
			PostalCode:   view.Billing.PostalCode,
			Country:      view.Billing.Country,
			Notes:        view.Billing.Notes,
		},
		Totals: totalsPayload{
			Subtotal: view.Totals.Subtotal,
			Discount: view.Totals.Discount,
			Tax:      view.Totals.Tax,
			Total:    view.Totals.Total,
		},
		Currency:             view.Currency,
		Method:               string(view.Method),
		Message:              view.Message,
		CredentialsAvailable: view.CredentialsAvailable,
		Version:              view.Version,
	}
	if view.BuyerID != "" {
		resp.Buyer = &buyerPayload{UserID: view.BuyerID, Email: view.BuyerEmail}
	}
	if view.Coupon != nil {
		resp.Coupon = &couponPayload{Code: view.Coupon.Code, Discount: view.Coupon.Discount}
	}
	if view.Payment != nil {
		resp.Payment = &paymentPayload{
			Gateway:     view.Payment.Gateway,
			SessionID:   view.Payment.SessionID,
			RedirectURL: view.Payment.RedirectURL,
		}
		if !view.Payment.ExpiresAt.IsZero() {
			resp.Payment.ExpiresAt = view.Payment.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	if view.OrderNumber != "" {
		resp.Order = &orderPayload{
			ID:         view.OrderID,
			Number:     view.OrderNumber,
			PaymentID:  view.PaymentID,
			InvoiceURL: view.InvoiceURL,
		}
	}
	for _, report := range view.SideEffects {
		resp.SideEffects = append(resp.SideEffects, sideEffectPayload{Step: report.Step, OK: report.OK})
	}
	if !view.ExpiresAt.IsZero() {
		resp.ExpiresAt = view.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func sessionContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(chi.URLParam(r, "sessionID")); id != "" {
			r = r.WithContext(requestctx.WithSessionID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := httpx.DecodeJSON(r, maxCheckoutRequestBody, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body is too large", http.StatusRequestEntityTooLarge))
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
