package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository reads catalog products.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// CouponRepository reads discount codes. Usage counters are maintained elsewhere.
type CouponRepository interface {
	// FindActiveByCode returns the active coupon whose normalised code matches, or a not-found
	// RepositoryError.
	FindActiveByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// OrderRepository reads orders and backfills the buyer on guest orders.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	AssignBuyer(ctx context.Context, orderID, userID string) error
}

// PaymentRepository reads payments and backfills the buyer on guest payments.
type PaymentRepository interface {
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	AssignBuyer(ctx context.Context, paymentID, userID string) error
}

// InvoiceRepository persists invoice metadata.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.Invoice) error
	// CountIssuedSince counts invoices created at or after since.
	CountIssuedSince(ctx context.Context, since time.Time) (int64, error)
	SetDocumentURL(ctx context.Context, invoiceID, url string) error
}

// GatewayConfigRepository reads payment gateway credentials managed by admins.
type GatewayConfigRepository interface {
	FindActive(ctx context.Context, gateway string) (domain.GatewayConfig, error)
}

// CounterRepository provides atomic, monotonic sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// CheckoutRecords are the documents written when a checkout attempt commits.
type CheckoutRecords struct {
	Order      domain.Order
	Payment    domain.Payment
	Submission domain.CheckoutSubmission
}

// CheckoutWriter persists the order, its payment and the raw submission atomically.
type CheckoutWriter interface {
	Commit(ctx context.Context, records CheckoutRecords) error
}
