package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Product            = domain.Product
	BillingInfo        = domain.BillingInfo
	Coupon             = domain.Coupon
	CouponApplication  = domain.CouponApplication
	Order              = domain.Order
	Payment            = domain.Payment
	Invoice            = domain.Invoice
	InvoiceLineItem    = domain.InvoiceLineItem
	Totals             = domain.Totals
	PaymentMethod      = domain.PaymentMethod
	GuestCredentials   = domain.GuestCredentials
	AuthSession        = domain.AuthSession
	IdentityProfile    = domain.IdentityProfile
	CheckoutSubmission = domain.CheckoutSubmission
	OrderPlacedEvent   = domain.OrderPlacedEvent
)

// CouponService validates discount codes and computes the discount they grant.
type CouponService interface {
	Validate(ctx context.Context, code string, subtotal int64, currency string) (CouponApplication, error)
}

// CounterService issues human readable sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}

// GatewayKeyResolver returns the key used to open payment attempts.
type GatewayKeyResolver interface {
	ActiveKey(ctx context.Context) (GatewayKey, error)
}

// InvoiceRenderer turns an invoice document into a printable file.
type InvoiceRenderer interface {
	Render(doc InvoiceDocument) ([]byte, error)
	ContentType() string
}

// InvoiceService numbers, records, renders and stores invoices. It never fails the caller;
// problems are reported on the returned outcome.
type InvoiceService interface {
	Generate(ctx context.Context, input InvoiceInput) InvoiceOutcome
}

// AccountProvisioner creates an account for a guest buyer and links it to their order.
type AccountProvisioner interface {
	Provision(ctx context.Context, cmd ProvisionCommand) ProvisionResult
}

// IdentityProvider is the external identity collaborator.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password, displayName string) (string, error)
	AttachProfile(ctx context.Context, uid string, profile IdentityProfile) error
	SignIn(ctx context.Context, email, password string) (AuthSession, error)
	CurrentSession(ctx context.Context, idToken string) (AuthSession, error)
}

// BlobStore stores rendered documents.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
}

// OrderEventPublisher notifies downstream collaborators about committed orders.
type OrderEventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event OrderPlacedEvent) (string, error)
}

// CheckoutService drives a checkout session from product selection to completion.
type CheckoutService interface {
	Start(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error)
	ContinueAsGuest(ctx context.Context, sessionID string) (CheckoutSession, error)
	Authenticate(ctx context.Context, cmd AuthenticateCommand) (CheckoutSession, error)
	OpenIdentityPrompt(ctx context.Context, sessionID string) (CheckoutSession, error)
	UpdateBilling(ctx context.Context, sessionID string, billing BillingInfo) (CheckoutSession, error)
	ApplyCoupon(ctx context.Context, sessionID, code string) (CheckoutSession, error)
	Submit(ctx context.Context, cmd SubmitCheckoutCommand) (CheckoutSession, error)
	CancelPayment(ctx context.Context, sessionID string) (CheckoutSession, error)
	Get(ctx context.Context, sessionID string) (CheckoutSession, error)
	Await(ctx context.Context, sessionID string, maxWait time.Duration) (CheckoutSession, error)
	TakeCredentials(ctx context.Context, sessionID string) (*GuestCredentials, error)
	LoginWithGuestCredentials(ctx context.Context, sessionID string) (AuthSession, error)
	SweepExpired(ctx context.Context) int
}

// StartCheckoutCommand opens a session for a product. IDToken is the buyer's existing session, if any.
type StartCheckoutCommand struct {
	ProductID string
	IDToken   string
}

// AuthenticateCommand signs the buyer in from the identity prompt.
type AuthenticateCommand struct {
	SessionID string
	Email     string
	Password  string
}

// SubmitCheckoutCommand submits the billing form with the chosen payment method.
type SubmitCheckoutCommand struct {
	SessionID string
	Method    PaymentMethod
}
