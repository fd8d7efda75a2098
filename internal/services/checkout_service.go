package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	checkoutInstrumentation = "github.com/hanko-field/checkout/internal/services"
	defaultCheckoutTTL      = 2 * time.Hour
	cancelSettleWait        = 5 * time.Second

	sideEffectProvisioning = "account_provisioning"
	sideEffectInvoice      = "invoice"
	sideEffectOrderEvent   = "order_event"

	messageIdentityRequired   = "Sign in or continue as guest to place your order."
	messageMissingFields      = "Please complete the required billing fields."
	messagePaymentFailed      = "Your payment could not be completed. Please try again or choose another payment method."
	messagePaymentUnavailable = "Online payment is unavailable right now. Please try again shortly or pay with cash."
	messageCommitFailed       = "We couldn't place your order. Please try again."
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutSessionNotFound indicates the session does not exist or has expired.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutProductNotFound indicates the product could not be loaded; the session is failed.
	ErrCheckoutProductNotFound = errors.New("checkout: product not found")
	// ErrCheckoutInvalidState indicates the operation is not allowed in the session's current state.
	ErrCheckoutInvalidState = errors.New("checkout: invalid state")
	// ErrCheckoutAuthFailed indicates the buyer's credentials were rejected.
	ErrCheckoutAuthFailed = errors.New("checkout: authentication failed")
	// ErrCheckoutPaymentUnavailable indicates no payment attempt could be opened.
	ErrCheckoutPaymentUnavailable = errors.New("checkout: payment unavailable")
	// ErrCheckoutPersistence indicates the order and payment could not be recorded.
	ErrCheckoutPersistence = errors.New("checkout: persistence failed")
	// ErrCheckoutCredentialsUnavailable indicates there are no guest credentials to hand out.
	ErrCheckoutCredentialsUnavailable = errors.New("checkout: credentials unavailable")
)

// CheckoutSession is the read model returned to callers.
type CheckoutSession struct {
	ID                   string
	Phase                CheckoutPhase
	Blocked              bool
	Identity             IdentityMode
	BuyerID              string
	BuyerEmail           string
	Product              Product
	Billing              BillingInfo
	Coupon               *CouponApplication
	Totals               Totals
	Currency             string
	Method               PaymentMethod
	Message              string
	Payment              *payments.Surface
	OrderID              string
	OrderNumber          string
	PaymentID            string
	InvoiceURL           *string
	SideEffects          []SideEffectReport
	CredentialsAvailable bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ExpiresAt            time.Time
	Version              int64
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Products    repositories.ProductRepository
	Coupons     CouponService
	Counters    CounterService
	Writer      repositories.CheckoutWriter
	Keys        GatewayKeyResolver
	Gateway     payments.Gateway
	Hub         *payments.SettlementHub
	Identity    IdentityProvider
	Provisioner AccountProvisioner
	Invoices    InvoiceService
	Publisher   OrderEventPublisher
	Currency    string
	ThemeColor  string
	SessionTTL  time.Duration
	Clock       func() time.Time
	IDGen       func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	products    repositories.ProductRepository
	coupons     CouponService
	counters    CounterService
	writer      repositories.CheckoutWriter
	keys        GatewayKeyResolver
	gateway     payments.Gateway
	hub         *payments.SettlementHub
	identity    IdentityProvider
	provisioner AccountProvisioner
	invoices    InvoiceService
	publisher   OrderEventPublisher
	currency    string
	themeColor  string
	now         func() time.Time
	newID       func() string
	logger      func(ctx context.Context, event string, fields map[string]any)
	sanitizer   *bluemonday.Policy
	sessions    *sessionStore
	tracer      trace.Tracer
	outcomes    metric.Int64Counter
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("checkout service: product repository is required")
	case deps.Coupons == nil:
		return nil, errors.New("checkout service: coupon service is required")
	case deps.Counters == nil:
		return nil, errors.New("checkout service: counter service is required")
	case deps.Writer == nil:
		return nil, errors.New("checkout service: checkout writer is required")
	case deps.Keys == nil:
		return nil, errors.New("checkout service: gateway key resolver is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	case deps.Identity == nil:
		return nil, errors.New("checkout service: identity provider is required")
	case deps.Provisioner == nil:
		return nil, errors.New("checkout service: account provisioner is required")
	case deps.Invoices == nil:
		return nil, errors.New("checkout service: invoice service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultCheckoutTTL
	}

	outcomes, err := otel.GetMeterProvider().Meter(checkoutInstrumentation).Int64Counter(
		"checkout.outcomes",
		metric.WithDescription("Count of checkout attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("checkout service: register outcome metric: %w", err)
	}

	svc := &checkoutService{
		products:    deps.Products,
		coupons:     deps.Coupons,
		counters:    deps.Counters,
		writer:      deps.Writer,
		keys:        deps.Keys,
		gateway:     deps.Gateway,
		hub:         deps.Hub,
		identity:    deps.Identity,
		provisioner: deps.Provisioner,
		invoices:    deps.Invoices,
		publisher:   deps.Publisher,
		currency:    normalizeCurrency(deps.Currency),
		themeColor:  strings.TrimSpace(deps.ThemeColor),
		now:         func() time.Time { return clock().UTC() },
		newID:       idGen,
		logger:      logger,
		sanitizer:   bluemonday.StrictPolicy(),
		tracer:      otel.Tracer(checkoutInstrumentation),
		outcomes:    outcomes,
	}
	svc.sessions = newSessionStore(ttl, svc.now, svc.onEvict)
	return svc, nil
}

// Start opens a session for the product. A valid IDToken resolves the buyer's identity
// immediately; otherwise the identity prompt is shown.
func (s *checkoutService) Start(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return CheckoutSession{}, fmt.Errorf("%w: product id is required", ErrCheckoutInvalidInput)
	}

	record := checkoutRecord{
		ID:    s.prefixedID("chk"),
		State: CheckoutState{Phase: PhaseLoading},
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			s.logger(ctx, "checkout.product.lookup_failed", map[string]any{"productId": productID, "error": err.Error()})
			return CheckoutSession{}, fmt.Errorf("%w: load product", ErrCheckoutUnavailable)
		}
		record.State, _ = Transition(record.State, Event{Kind: EventProductMissing})
		record.Message = "This product is no longer available."
		record = s.sessions.create(record)
		s.logger(ctx, "checkout.product.missing", map[string]any{"checkoutId": record.ID, "productId": productID})
		return s.view(record), ErrCheckoutProductNotFound
	}

	record.State, _ = Transition(record.State, Event{Kind: EventProductLoaded})
	record.Product = product
	record.Currency = normalizeCurrency(defaultString(product.Currency, s.currency))
	record.Totals = domain.ComputeTotals(product.SubtotalFor(), 0, 0)

	if token := strings.TrimSpace(cmd.IDToken); token != "" {
		session, err := s.identity.CurrentSession(ctx, token)
		if err != nil {
			s.logger(ctx, "checkout.session.resolve_failed", map[string]any{"checkoutId": record.ID, "error": err.Error()})
		} else {
			record.State, _ = Transition(record.State, Event{Kind: EventSessionResolved})
			adoptBuyer(&record, session)
		}
	}

	record = s.sessions.create(record)
	s.logger(ctx, "checkout.started", map[string]any{
		"checkoutId": record.ID,
		"productId":  product.ID,
		"phase":      string(record.State.Phase),
	})
	return s.view(record), nil
}

// ContinueAsGuest closes the identity prompt in guest mode.
func (s *checkoutService) ContinueAsGuest(ctx context.Context, sessionID string) (CheckoutSession, error) {
	record, err := s.sessions.update(sessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventGuestChosen})
		if err != nil {
			return err
		}
		rec.State = next
		rec.Buyer = nil
		rec.Message = ""
		return nil
	})
	if err != nil {
		return s.viewOrEmpty(record), s.stateError(err)
	}
	s.logger(ctx, "checkout.identity.guest", map[string]any{"checkoutId": sessionID})
	return s.view(record), nil
}

// Authenticate signs the buyer in from the identity prompt and pre-fills their email.
func (s *checkoutService) Authenticate(ctx context.Context, cmd AuthenticateCommand) (CheckoutSession, error) {
	email := strings.TrimSpace(cmd.Email)
	if email == "" || cmd.Password == "" {
		return CheckoutSession{}, fmt.Errorf("%w: email and password are required", ErrCheckoutInvalidInput)
	}
	current, ok := s.sessions.get(cmd.SessionID)
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	if _, err := Transition(current.State, Event{Kind: EventSessionResolved}); err != nil {
		return s.view(current), s.stateError(err)
	}

	session, err := s.identity.SignIn(ctx, email, cmd.Password)
	if err != nil {
		s.logger(ctx, "checkout.identity.signin_failed", map[string]any{
			"checkoutId": cmd.SessionID,
			"email":      observability.MaskEmail(email),
			"error":      err.Error(),
		})
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return s.view(current), ErrCheckoutAuthFailed
		}
		return s.view(current), fmt.Errorf("%w: sign in", ErrCheckoutUnavailable)
	}

	record, err := s.sessions.update(cmd.SessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventSessionResolved})
		if err != nil {
			return err
		}
		rec.State = next
		rec.Message = ""
		adoptBuyer(rec, session)
		return nil
	})
	if err != nil {
		return s.viewOrEmpty(record), s.stateError(err)
	}
	s.logger(ctx, "checkout.identity.signed_in", map[string]any{"checkoutId": cmd.SessionID, "userId": session.UserID})
	return s.view(record), nil
}

// OpenIdentityPrompt reopens the identity prompt, blocking the form until it is resolved.
func (s *checkoutService) OpenIdentityPrompt(_ context.Context, sessionID string) (CheckoutSession, error) {
	record, err := s.sessions.update(sessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventPromptOpened})
		if err != nil {
			return err
		}
		rec.State = next
		return nil
	})
	if err != nil {
		return s.viewOrEmpty(record), s.stateError(err)
	}
	return s.view(record), nil
}

// UpdateBilling replaces the billing form. Markup is stripped from every field.
func (s *checkoutService) UpdateBilling(_ context.Context, sessionID string, billing BillingInfo) (CheckoutSession, error) {
	cleaned := s.sanitizeBilling(billing)
	record, err := s.sessions.update(sessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventBillingUpdated})
		if err != nil {
			return err
		}
		rec.State = next
		rec.Billing = cleaned
		rec.Message = ""
		return nil
	})
	if err != nil {
		return s.viewOrEmpty(record), s.stateError(err)
	}
	return s.view(record), nil
}

// ApplyCoupon validates code against the current subtotal and fixes the discount for the rest
// of the session. Rejections leave the session untouched.
func (s *checkoutService) ApplyCoupon(ctx context.Context, sessionID, code string) (CheckoutSession, error) {
	current, ok := s.sessions.get(sessionID)
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	if _, err := Transition(current.State, Event{Kind: EventCouponApplied}); err != nil {
		return s.view(current), s.stateError(err)
	}

	application, err := s.coupons.Validate(ctx, code, current.Totals.Subtotal, current.Currency)
	if err != nil {
		s.logger(ctx, "checkout.coupon.rejected", map[string]any{"checkoutId": sessionID, "error": err.Error()})
		return s.view(current), err
	}

	record, err := s.sessions.update(sessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventCouponApplied})
		if err != nil {
			return err
		}
		applied := application
		rec.State = next
		rec.Coupon = &applied
		rec.Totals = domain.ComputeTotals(rec.Totals.Subtotal, applied.Discount, rec.Totals.Tax)
		return nil
	})
	if err != nil {
		return s.viewOrEmpty(record), s.stateError(err)
	}
	s.logger(ctx, "checkout.coupon.applied", map[string]any{
		"checkoutId": sessionID,
		"couponId":   application.CouponID,
		"discount":   application.Discount,
	})
	return s.view(record), nil
}

// Submit moves the session into processing. Cash checkouts commit before returning; online
// checkouts return with the payment surface and settle in the background.
func (s *checkoutService) Submit(ctx context.Context, cmd SubmitCheckoutCommand) (CheckoutSession, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(string(cmd.Method))))
	if method != domain.PaymentMethodCash && method != domain.PaymentMethodOnline {
		return CheckoutSession{}, fmt.Errorf("%w: unsupported payment method %q", ErrCheckoutInvalidInput, cmd.Method)
	}

	ctx, span := s.tracer.Start(ctx, "checkout.submit", trace.WithAttributes(
		attribute.String("checkout.id", cmd.SessionID),
		attribute.String("checkout.method", string(method)),
	))
	defer span.End()

	identityRequired := false
	record, err := s.sessions.update(cmd.SessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventSubmitRequested, MissingFields: rec.Billing.MissingFields()})
		if errors.Is(err, ErrIdentityRequired) {
			identityRequired = true
			rec.State = next
			rec.Message = messageIdentityRequired
			return nil
		}
		if err != nil {
			return err
		}
		rec.State = next
		rec.Method = method
		rec.Message = ""
		rec.Surface = nil
		return nil
	})
	switch {
	case identityRequired:
		s.recordOutcome(ctx, "identity_required")
		return s.view(record), ErrIdentityRequired
	case errors.Is(err, ErrCheckoutValidation):
		s.recordOutcome(ctx, "validation_failed")
		view := s.view(record)
		view.Message = messageMissingFields
		return view, err
	case err != nil:
		return s.viewOrEmpty(record), s.stateError(err)
	}

	if method == domain.PaymentMethodCash {
		return s.commit(context.WithoutCancel(ctx), record, payments.Result{})
	}
	if record.Totals.Total <= 0 {
		// nothing to collect online
		s.logger(ctx, "checkout.payment.skipped", map[string]any{"checkoutId": record.ID, "reason": "zero_total"})
		return s.commit(context.WithoutCancel(ctx), record, payments.Result{})
	}
	return s.openPayment(ctx, record)
}

func (s *checkoutService) openPayment(ctx context.Context, record checkoutRecord) (CheckoutSession, error) {
	key, err := s.keys.ActiveKey(ctx)
	if err != nil {
		s.logger(ctx, "checkout.payment.key_unavailable", map[string]any{"checkoutId": record.ID, "error": err.Error()})
		return s.rejectPayment(ctx, record.ID, EventPaymentFailed, messagePaymentUnavailable, "payment_unavailable", ErrCheckoutPaymentUnavailable)
	}

	attempt, err := s.gateway.Initiate(ctx, payments.Options{
		Key:         key.Key,
		Amount:      record.Totals.Total,
		Currency:    record.Currency,
		Label:       record.Product.Name,
		Description: record.Product.Description,
		Prefill: payments.Prefill{
			Name:  record.Billing.FullName,
			Email: record.Billing.Email,
			Phone: record.Billing.Phone,
		},
		Theme: payments.Theme{Color: s.themeColor},
		Metadata: map[string]string{
			"checkoutId": record.ID,
			"productId":  record.Product.ID,
		},
	})
	if err != nil {
		s.logger(ctx, "checkout.payment.initiate_failed", map[string]any{"checkoutId": record.ID, "error": err.Error()})
		return s.rejectPayment(ctx, record.ID, EventPaymentFailed, messagePaymentUnavailable, "payment_unavailable", ErrCheckoutPaymentUnavailable)
	}

	surface := attempt.Surface()
	updated, err := s.sessions.update(record.ID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventPaymentOpened})
		if err != nil {
			return err
		}
		rec.State = next
		rec.Surface = &surface
		return nil
	})
	if err != nil {
		attempt.Cancel()
		s.forgetAttempt(surface)
		return s.viewOrEmpty(updated), s.stateError(err)
	}

	waitCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	if !s.sessions.attach(record.ID, attempt, stop) {
		stop()
		attempt.Cancel()
		s.forgetAttempt(surface)
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	go s.awaitSettlement(waitCtx, record.ID, attempt)

	s.logger(ctx, "checkout.payment.opened", map[string]any{
		"checkoutId": record.ID,
		"gateway":    surface.Gateway,
		"sessionId":  surface.SessionID,
		"degraded":   key.Degraded,
	})
	return s.view(updated), nil
}

// awaitSettlement runs detached from the request that opened the attempt.
func (s *checkoutService) awaitSettlement(ctx context.Context, sessionID string, attempt *payments.Attempt) {
	result, err := attempt.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		// session evicted
		return
	}
	s.sessions.detach(sessionID, attempt)

	switch {
	case errors.Is(err, payments.ErrPaymentCancelled):
		s.logger(ctx, "checkout.payment.cancelled", map[string]any{"checkoutId": sessionID})
		_, _ = s.rejectPayment(ctx, sessionID, EventPaymentCancelled, "", "payment_cancelled", nil)
	case err != nil:
		s.logger(ctx, "checkout.payment.failed", map[string]any{"checkoutId": sessionID, "error": err.Error()})
		_, _ = s.rejectPayment(ctx, sessionID, EventPaymentFailed, messagePaymentFailed, "payment_failed", nil)
	default:
		record, ok := s.sessions.get(sessionID)
		if !ok {
			s.logger(ctx, "checkout.payment.settled_after_eviction", map[string]any{
				"checkoutId":    sessionID,
				"transactionId": result.TransactionID,
			})
			return
		}
		_, _ = s.commit(ctx, record, result)
	}
}

// rejectPayment returns a processing session to the form without creating any records.
func (s *checkoutService) rejectPayment(ctx context.Context, sessionID string, kind EventKind, message, outcome string, cause error) (CheckoutSession, error) {
	record, err := s.sessions.update(sessionID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: kind})
		if err != nil {
			return err
		}
		rec.State = next
		rec.Message = message
		rec.Surface = nil
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.payment.reject_ignored", map[string]any{"checkoutId": sessionID, "event": string(kind), "error": err.Error()})
		return s.viewOrEmpty(record), s.stateError(err)
	}
	s.recordOutcome(ctx, outcome)
	return s.view(record), cause
}

// commit records the order, payment and raw submission, then runs the best-effort steps and
// completes the session. A zero result means the payment is collected later (cash).
func (s *checkoutService) commit(ctx context.Context, record checkoutRecord, result payments.Result) (CheckoutSession, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.commit", trace.WithAttributes(attribute.String("checkout.id", record.ID)))
	defer span.End()

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order number")
		s.logger(ctx, "checkout.commit.order_number_failed", map[string]any{"checkoutId": record.ID, "error": err.Error()})
		return s.rejectPayment(ctx, record.ID, EventCommitFailed, messageCommitFailed, "commit_failed", ErrCheckoutPersistence)
	}

	records := s.buildRecords(record, orderNumber, result)
	if err := s.writer.Commit(ctx, records); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit")
		fields := map[string]any{"checkoutId": record.ID, "orderNumber": orderNumber, "error": err.Error()}
		if result.TransactionID != "" {
			// the buyer has paid; operators reconcile from this event
			fields["transactionId"] = result.TransactionID
			s.logger(ctx, "checkout.commit.failed_after_payment", fields)
		} else {
			s.logger(ctx, "checkout.commit.failed", fields)
		}
		return s.rejectPayment(ctx, record.ID, EventCommitFailed, messageCommitFailed, "commit_failed", ErrCheckoutPersistence)
	}
	span.SetAttributes(attribute.String("order.id", records.Order.ID), attribute.String("order.number", orderNumber))

	committed, err := s.sessions.update(record.ID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventOrderCommitted})
		if err != nil {
			return err
		}
		rec.State = next
		rec.OrderID = records.Order.ID
		rec.OrderNumber = orderNumber
		rec.PaymentID = records.Payment.ID
		rec.Surface = nil
		return nil
	})
	if err != nil {
		// the order is durable; only the session view was lost
		s.logger(ctx, "checkout.commit.session_lost", map[string]any{"checkoutId": record.ID, "orderId": records.Order.ID, "error": err.Error()})
		return CheckoutSession{}, s.stateError(err)
	}
	s.logger(ctx, "checkout.order.committed", map[string]any{
		"checkoutId":  record.ID,
		"orderId":     records.Order.ID,
		"orderNumber": orderNumber,
		"method":      string(records.Order.PaymentMethod),
		"status":      string(records.Order.Status),
		"total":       records.Order.Totals.Total,
	})

	reports, invoiceURL := s.runSideEffects(ctx, committed, records, result)

	completed, err := s.sessions.update(record.ID, func(rec *checkoutRecord) error {
		next, err := Transition(rec.State, Event{Kind: EventCheckoutCompleted})
		if err != nil {
			return err
		}
		rec.State = next
		rec.InvoiceURL = invoiceURL
		rec.SideEffects = reports
		rec.Message = ""
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.complete.session_lost", map[string]any{"checkoutId": record.ID, "orderId": records.Order.ID, "error": err.Error()})
		return CheckoutSession{}, s.stateError(err)
	}
	s.recordOutcome(ctx, "completed_"+string(records.Order.PaymentMethod))
	return s.view(completed), nil
}

func (s *checkoutService) buildRecords(record checkoutRecord, orderNumber string, result payments.Result) repositories.CheckoutRecords {
	now := s.now()
	guest := record.State.Identity == IdentityGuest
	userID := ""
	if !guest && record.Buyer != nil {
		userID = record.Buyer.UserID
	}
	couponID, couponCode := "", ""
	if record.Coupon != nil {
		couponID, couponCode = record.Coupon.CouponID, record.Coupon.Code
	}

	order := Order{
		ID:            s.prefixedID("ord"),
		OrderNumber:   orderNumber,
		UserID:        userID,
		ProductID:     record.Product.ID,
		ProductName:   record.Product.Name,
		Currency:      record.Currency,
		Totals:        record.Totals,
		Status:        domain.OrderStatusPending,
		CouponID:      couponID,
		PaymentMethod: record.Method,
		Metadata: map[string]any{
			"billing":    record.Billing.Snapshot(),
			"guest":      guest,
			"checkoutId": record.ID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	payment := Payment{
		ID:        s.prefixedID("pay"),
		OrderID:   order.ID,
		UserID:    userID,
		Amount:    record.Totals.Total,
		Currency:  record.Currency,
		Status:    domain.PaymentStatusPending,
		Gateway:   string(domain.PaymentMethodCash),
		CreatedAt: now,
	}
	if record.Method == domain.PaymentMethodOnline {
		order.Status = domain.OrderStatusProcessing
		payment.Status = domain.PaymentStatusCompleted
		payment.TransactionID = result.TransactionID
		payment.PaidAt = &now
		if record.Surface != nil && record.Surface.Gateway != "" {
			payment.Gateway = record.Surface.Gateway
		} else {
			payment.Gateway = string(domain.PaymentMethodOnline)
		}
	}

	return repositories.CheckoutRecords{
		Order:   order,
		Payment: payment,
		Submission: CheckoutSubmission{
			ID:         s.prefixedID("sub"),
			OrderID:    order.ID,
			ProductID:  record.Product.ID,
			Method:     record.Method,
			Billing:    record.Billing,
			CouponCode: couponCode,
			Guest:      guest,
			CreatedAt:  now,
		},
	}
}

// runSideEffects dispatches provisioning and invoicing concurrently, then publishes the
// order event. Failures are logged and reported, never returned.
func (s *checkoutService) runSideEffects(ctx context.Context, record checkoutRecord, records repositories.CheckoutRecords, result payments.Result) ([]SideEffectReport, *string) {
	var (
		provisioned ProvisionResult
		invoice     InvoiceOutcome
		g           errgroup.Group
	)
	guest := record.State.Identity == IdentityGuest
	if guest {
		g.Go(func() error {
			provisioned = s.provisioner.Provision(ctx, ProvisionCommand{
				OrderID:   records.Order.ID,
				PaymentID: records.Payment.ID,
				Billing:   record.Billing,
			})
			return nil
		})
	}
	g.Go(func() error {
		invoice = s.invoices.Generate(ctx, InvoiceInput{
			OrderID:       records.Order.ID,
			OrderNumber:   records.Order.OrderNumber,
			PaymentID:     records.Payment.ID,
			UserID:        records.Order.UserID,
			TransactionID: result.TransactionID,
			Billing:       record.Billing,
			ProductName:   record.Product.Name,
			Currency:      record.Currency,
			Totals:        records.Order.Totals,
		})
		return nil
	})
	_ = g.Wait()

	var reports []SideEffectReport
	buyerID := records.Order.UserID
	if guest {
		report := SideEffectReport{Step: sideEffectProvisioning, OK: provisioned.Success && provisioned.Err == nil}
		if provisioned.Err != nil {
			report.Error = provisioned.Err.Error()
		}
		reports = append(reports, report)
		if creds := provisioned.Credentials(); creds != nil {
			s.sessions.setCredentials(record.ID, creds)
			buyerID = creds.UserID
		}
	}

	invoiceReport := SideEffectReport{Step: sideEffectInvoice, OK: invoice.Err == nil && invoice.URL != nil}
	if invoice.Err != nil {
		invoiceReport.Error = invoice.Err.Error()
	}
	reports = append(reports, invoiceReport)

	if s.publisher != nil {
		event := OrderPlacedEvent{
			OrderID:       records.Order.ID,
			OrderNumber:   records.Order.OrderNumber,
			UserID:        buyerID,
			ProductID:     records.Order.ProductID,
			CouponID:      records.Order.CouponID,
			PaymentMethod: records.Order.PaymentMethod,
			Total:         records.Order.Totals.Total,
			Currency:      records.Order.Currency,
			Guest:         guest,
			PlacedAt:      records.Order.CreatedAt,
		}
		report := SideEffectReport{Step: sideEffectOrderEvent, OK: true}
		if _, err := s.publisher.PublishOrderPlaced(ctx, event); err != nil {
			report.OK = false
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}

	for _, report := range reports {
		if report.OK {
			continue
		}
		s.logger(ctx, "checkout.side_effect.failed", map[string]any{
			"checkoutId": record.ID,
			"orderId":    records.Order.ID,
			"step":       report.Step,
			"error":      report.Error,
		})
	}
	return reports, invoice.URL
}

// CancelPayment relays the buyer dismissing the payment surface.
func (s *checkoutService) CancelPayment(ctx context.Context, sessionID string) (CheckoutSession, error) {
	record, ok := s.sessions.get(sessionID)
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	attempt, _ := s.sessions.currentAttempt(sessionID)
	if record.State.Phase != PhaseProcessing || attempt == nil {
		return s.view(record), ErrCheckoutInvalidState
	}
	if attempt.Cancel() {
		s.forgetAttempt(attempt.Surface())
	}

	waitCtx, cancel := context.WithTimeout(ctx, cancelSettleWait)
	defer cancel()
	return s.awaitLeave(waitCtx, sessionID, PhaseProcessing)
}

// Get returns the current session view.
func (s *checkoutService) Get(_ context.Context, sessionID string) (CheckoutSession, error) {
	record, ok := s.sessions.get(sessionID)
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	return s.view(record), nil
}

// Await blocks while the session is processing, up to maxWait, and returns the latest view.
func (s *checkoutService) Await(ctx context.Context, sessionID string, maxWait time.Duration) (CheckoutSession, error) {
	if maxWait <= 0 {
		return s.Get(ctx, sessionID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return s.awaitLeave(waitCtx, sessionID, PhaseProcessing)
}

func (s *checkoutService) awaitLeave(ctx context.Context, sessionID string, phase CheckoutPhase) (CheckoutSession, error) {
	record, ok := s.sessions.get(sessionID)
	if !ok {
		return CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	for record.State.Phase == phase && ctx.Err() == nil {
		next, err := s.sessions.waitChange(ctx, sessionID, record.Version)
		if err != nil {
			return CheckoutSession{}, err
		}
		record = next
	}
	return s.view(record), nil
}

// TakeCredentials returns the guest credentials the first time it is called after completion.
func (s *checkoutService) TakeCredentials(_ context.Context, sessionID string) (*GuestCredentials, error) {
	record, ok := s.sessions.get(sessionID)
	if !ok {
		return nil, ErrCheckoutSessionNotFound
	}
	if record.State.Phase != PhaseComplete {
		return nil, ErrCheckoutCredentialsUnavailable
	}
	return s.sessions.revealCredentials(sessionID)
}

// LoginWithGuestCredentials signs in with the generated credentials and then discards them.
func (s *checkoutService) LoginWithGuestCredentials(ctx context.Context, sessionID string) (AuthSession, error) {
	record, ok := s.sessions.get(sessionID)
	if !ok {
		return AuthSession{}, ErrCheckoutSessionNotFound
	}
	if record.State.Phase != PhaseComplete {
		return AuthSession{}, ErrCheckoutCredentialsUnavailable
	}
	creds, err := s.sessions.credentials(sessionID)
	if err != nil {
		return AuthSession{}, err
	}
	session, err := s.identity.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		s.logger(ctx, "checkout.guest_login.failed", map[string]any{"checkoutId": sessionID, "userId": creds.UserID, "error": err.Error()})
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return AuthSession{}, ErrCheckoutAuthFailed
		}
		return AuthSession{}, fmt.Errorf("%w: sign in", ErrCheckoutUnavailable)
	}
	s.sessions.clearCredentials(sessionID)
	s.logger(ctx, "checkout.guest_login.succeeded", map[string]any{"checkoutId": sessionID, "userId": session.UserID})
	return session, nil
}

// SweepExpired evicts abandoned sessions and returns how many were removed.
func (s *checkoutService) SweepExpired(ctx context.Context) int {
	removed := s.sessions.sweep()
	if removed > 0 {
		s.logger(ctx, "checkout.sessions.swept", map[string]any{"removed": removed, "remaining": s.sessions.count()})
	}
	return removed
}

func (s *checkoutService) onEvict(evicted evictedSession) {
	if evicted.Attempt != nil {
		s.forgetAttempt(evicted.Attempt.Surface())
		evicted.Attempt.Cancel()
	}
}

func (s *checkoutService) forgetAttempt(surface payments.Surface) {
	if s.hub != nil && surface.SessionID != "" {
		s.hub.Forget(surface.SessionID)
	}
}

func (s *checkoutService) view(record checkoutRecord) CheckoutSession {
	view := CheckoutSession{
		ID:          record.ID,
		Phase:       record.State.Phase,
		Blocked:     record.State.Blocked(),
		Identity:    record.State.Identity,
		Product:     record.Product,
		Billing:     record.Billing,
		Coupon:      record.Coupon,
		Totals:      record.Totals,
		Currency:    record.Currency,
		Method:      record.Method,
		Message:     record.Message,
		OrderID:     record.OrderID,
		OrderNumber: record.OrderNumber,
		PaymentID:   record.PaymentID,
		InvoiceURL:  record.InvoiceURL,
		SideEffects: record.SideEffects,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
		Version:     record.Version,
	}
	if record.Buyer != nil {
		view.BuyerID = record.Buyer.UserID
		view.BuyerEmail = record.Buyer.Email
	}
	if record.State.Phase == PhaseProcessing && record.Surface != nil {
		surface := *record.Surface
		view.Payment = &surface
	}
	view.CredentialsAvailable = s.sessions.credentialsAvailable(record.ID)
	view.ExpiresAt = s.sessions.expiresAt(record.ID)
	return view
}

func (s *checkoutService) viewOrEmpty(record checkoutRecord) CheckoutSession {
	if record.ID == "" {
		return CheckoutSession{}
	}
	return s.view(record)
}

func (s *checkoutService) stateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrCouponAlreadyApplied):
		return fmt.Errorf("%w: %w", ErrCheckoutInvalidState, err)
	}
	return err
}

func (s *checkoutService) recordOutcome(ctx context.Context, outcome string) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

const maxSanitizePasses = 4

func (s *checkoutService) sanitizeBilling(b BillingInfo) BillingInfo {
	return BillingInfo{
		FullName:     s.sanitizeText(b.FullName),
		Email:        s.sanitizeText(b.Email),
		Phone:        s.sanitizeText(b.Phone),
		AddressLine1: s.sanitizeText(b.AddressLine1),
		AddressLine2: s.sanitizeText(b.AddressLine2),
		City:         s.sanitizeText(b.City),
		State:        s.sanitizeText(b.State),
		PostalCode:   s.sanitizeText(b.PostalCode),
		Country:      s.sanitizeText(b.Country),
		Notes:        s.sanitizeText(b.Notes),
	}
}

// sanitizeText returns plain text that the sanitizer leaves unchanged. Entity-encoded markup is
// decoded before sanitising so it cannot reappear as live tags once decoded for storage.
func (s *checkoutService) sanitizeText(value string) string {
	current := value
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.sanitizer.Sanitize(html.UnescapeString(current)))
		if next == current {
			return strings.TrimSpace(current)
		}
		current = next
	}
	if html.UnescapeString(s.sanitizer.Sanitize(current)) != current {
		// still carries markup after every pass; keep the escaped form
		return strings.TrimSpace(s.sanitizer.Sanitize(current))
	}
	return strings.TrimSpace(current)
}

func (s *checkoutService) prefixedID(prefix string) string {
	return prefix + "_" + strings.ToLower(s.newID())
}

func adoptBuyer(rec *checkoutRecord, session AuthSession) {
	rec.Buyer = &AuthSession{UserID: session.UserID, Email: session.Email, DisplayName: session.DisplayName}
	if email := strings.TrimSpace(session.Email); email != "" {
		rec.Billing.Email = email
	}
	if rec.Billing.FullName == "" {
		rec.Billing.FullName = strings.TrimSpace(session.DisplayName)
	}
}
