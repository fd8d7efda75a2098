package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PricingMode describes how a product is billed.
type PricingMode string

const (
	// PricingModeSubscription bills the product on a recurring schedule.
	PricingModeSubscription PricingMode = "subscription"
	// PricingModeOneTime bills the product once.
	PricingModeOneTime PricingMode = "one_time"
)

// Product is the catalog record a checkout session is opened for. Prices are minor units.
type Product struct {
	ID          string
	Name        string
	Description string
	PricingMode PricingMode
	Price       int64
	Prices      map[string]int64
	Currency    string
	Features    []string
	Active      bool
}

// SubtotalFor returns the price charged for a single checkout of the product.
func (p Product) SubtotalFor() int64 {
	if p.PricingMode == PricingModeSubscription {
		for _, key := range []string{"monthly", "default"} {
			if v, ok := p.Prices[key]; ok && v > 0 {
				return v
			}
		}
	}
	return p.Price
}

// BillingInfo captures the buyer's billing form.
type BillingInfo struct {
	FullName     string
	Email        string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
	Notes        string
}

// MissingFields lists the required billing fields that are blank, using their wire names.
func (b BillingInfo) MissingFields() []string {
	required := []struct {
		name  string
		value string
	}{
		{"fullName", b.FullName},
		{"email", b.Email},
		{"phone", b.Phone},
		{"addressLine1", b.AddressLine1},
		{"city", b.City},
		{"state", b.State},
		{"postalCode", b.PostalCode},
		{"country", b.Country},
	}
	var missing []string
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			missing = append(missing, field.name)
		}
	}
	return missing
}

// Snapshot renders the billing info as a map suitable for document metadata.
func (b BillingInfo) Snapshot() map[string]any {
	return map[string]any{
		"fullName":     b.FullName,
		"email":        b.Email,
		"phone":        b.Phone,
		"addressLine1": b.AddressLine1,
		"addressLine2": b.AddressLine2,
		"city":         b.City,
		"state":        b.State,
		"postalCode":   b.PostalCode,
		"country":      b.Country,
		"notes":        b.Notes,
	}
}

// DiscountType enumerates coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount in minor units.
	DiscountFixed DiscountType = "fixed"
)

// Coupon describes a discount code managed by admin tooling.
type Coupon struct {
	ID             string
	Code           string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MinOrderAmount *int64
	MaxUses        *int
	UsesCount      int
	ValidUntil     *time.Time
	Active         bool
}

// CouponApplication is the discount fixed onto a checkout session.
type CouponApplication struct {
	CouponID string
	Code     string
	Discount int64
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment (cash checkouts).
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order was paid and awaits fulfilment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted indicates fulfilment finished.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded indicates the order was refunded.
	OrderStatusRefunded OrderStatus = "refunded"
)

// PaymentMethod enumerates the payment branches supported at checkout.
type PaymentMethod string

const (
	// PaymentMethodOnline routes the payment through the hosted gateway.
	PaymentMethodOnline PaymentMethod = "online"
	// PaymentMethodCash defers payment; the order is created pending.
	PaymentMethodCash PaymentMethod = "cash"
)

// Totals holds monetary figures in minor currency units.
type Totals struct {
	Subtotal int64
	Discount int64
	Tax      int64
	Total    int64
}

// ComputeTotals applies the pricing invariant total = max(0, subtotal-discount) + tax.
func ComputeTotals(subtotal, discount, tax int64) Totals {
	net := subtotal - discount
	if net < 0 {
		net = 0
	}
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Total:    net + tax,
	}
}

// Order captures the order header written at checkout.
type Order struct {
	ID            string
	OrderNumber   string
	UserID        string
	ProductID     string
	ProductName   string
	Currency      string
	Totals        Totals
	Status        OrderStatus
	CouponID      string
	PaymentMethod PaymentMethod
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PaymentStatus enumerates payment states recorded at checkout.
type PaymentStatus string

const (
	// PaymentStatusPending indicates payment has not been collected.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusCompleted indicates the gateway settled the payment.
	PaymentStatusCompleted PaymentStatus = "completed"
)

// Payment is created one-to-one with an order.
type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        int64
	Currency      string
	Status        PaymentStatus
	Gateway       string
	TransactionID string
	PaidAt        *time.Time
	CreatedAt     time.Time
}

// CheckoutSubmission is the raw form submission stored alongside the order.
type CheckoutSubmission struct {
	ID         string
	OrderID    string
	ProductID  string
	Method     PaymentMethod
	Billing    BillingInfo
	CouponCode string
	Guest      bool
	CreatedAt  time.Time
}

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	// InvoiceStatusDraft marks invoices whose payment is still outstanding.
	InvoiceStatusDraft InvoiceStatus = "draft"
	// InvoiceStatusPaid marks invoices backed by a settled payment.
	InvoiceStatusPaid InvoiceStatus = "paid"
)

// InvoiceLineItem is a single invoice row.
type InvoiceLineItem struct {
	Description string
	Quantity    int
	UnitPrice   int64
	Amount      int64
}

// Invoice is the persisted invoice metadata; the rendered document lives in blob storage.
type Invoice struct {
	ID            string
	InvoiceNumber string
	OrderID       string
	PaymentID     string
	UserID        string
	TransactionID string
	Billing       BillingInfo
	Items         []InvoiceLineItem
	Totals        Totals
	Currency      string
	Status        InvoiceStatus
	DocumentURL   *string
	IssuedAt      time.Time
	CreatedAt     time.Time
}

// GatewayMode distinguishes test and live gateway credentials.
type GatewayMode string

const (
	// GatewayModeTest uses sandbox credentials.
	GatewayModeTest GatewayMode = "test"
	// GatewayModeLive uses production credentials.
	GatewayModeLive GatewayMode = "live"
)

// GatewayConfig is the active payment gateway configuration stored by admins.
type GatewayConfig struct {
	Gateway   string
	Mode      GatewayMode
	PublicKey string
	SecretKey string
	Active    bool
	UpdatedAt time.Time
}

// GuestCredentials are shown once to a guest buyer and never persisted.
type GuestCredentials struct {
	Email    string
	Password string
	UserID   string
}

// AuthSession is an authenticated buyer session issued by the identity provider.
type AuthSession struct {
	UserID       string
	Email        string
	DisplayName  string
	IDToken      string
	RefreshToken string
}

// IdentityProfile is the metadata attached to an auto-provisioned account.
type IdentityProfile struct {
	FullName string
	Phone    string
	Source   string
	OrderID  string
}

// OrderPlacedEvent is published after an order is committed so downstream collaborators
// (coupon usage accounting, fulfilment) can react.
type OrderPlacedEvent struct {
	OrderID       string        `json:"orderId"`
	OrderNumber   string        `json:"orderNumber"`
	UserID        string        `json:"userId,omitempty"`
	ProductID     string        `json:"productId"`
	CouponID      string        `json:"couponId,omitempty"`
	PaymentMethod PaymentMethod `json:"paymentMethod"`
	Total         int64         `json:"total"`
	Currency      string        `json:"currency"`
	Guest         bool          `json:"guest"`
	PlacedAt      time.Time     `json:"placedAt"`
}
