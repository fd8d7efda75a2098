package firestore

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const (
	productsCollection       = "products"
	couponsCollection        = "coupons"
	ordersCollection         = "orders"
	paymentsCollection       = "payments"
	submissionsCollection    = "checkout_submissions"
	invoicesCollection       = "invoices"
	gatewayConfigsCollection = "payment_gateways"
	countersCollection       = "counters"
)

type productDocument struct {
	Name        string           `firestore:"name"`
	Description string           `firestore:"description,omitempty"`
	PricingMode string           `firestore:"pricingMode"`
	Price       int64            `firestore:"price"`
	Prices      map[string]int64 `firestore:"prices,omitempty"`
	Currency    string           `firestore:"currency,omitempty"`
	Features    []string         `firestore:"features,omitempty"`
	Active      bool             `firestore:"active"`
}

func decodeProduct(id string, doc productDocument) domain.Product {
	mode := domain.PricingMode(strings.TrimSpace(doc.PricingMode))
	if mode == "" {
		mode = domain.PricingModeOneTime
	}
	return domain.Product{
		ID:          id,
		Name:        doc.Name,
		Description: doc.Description,
		PricingMode: mode,
		Price:       doc.Price,
		Prices:      doc.Prices,
		Currency:    strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Features:    append([]string(nil), doc.Features...),
		Active:      doc.Active,
	}
}

type couponDocument struct {
	Code           string     `firestore:"code"`
	DiscountType   string     `firestore:"discountType"`
	DiscountValue  float64    `firestore:"discountValue"`
	MinOrderAmount *int64     `firestore:"minOrderAmount,omitempty"`
	MaxUses        *int64     `firestore:"maxUses,omitempty"`
	UsesCount      int64      `firestore:"usesCount"`
	ValidUntil     *time.Time `firestore:"validUntil,omitempty"`
	Active         bool       `firestore:"active"`
}

func decodeCoupon(id string, doc couponDocument) domain.Coupon {
	coupon := domain.Coupon{
		ID:             id,
		Code:           strings.ToUpper(strings.TrimSpace(doc.Code)),
		DiscountType:   domain.DiscountType(strings.TrimSpace(doc.DiscountType)),
		DiscountValue:  decimal.NewFromFloat(doc.DiscountValue),
		MinOrderAmount: doc.MinOrderAmount,
		UsesCount:      int(doc.UsesCount),
		Active:         doc.Active,
	}
	if doc.MaxUses != nil {
		maxUses := int(*doc.MaxUses)
		coupon.MaxUses = &maxUses
	}
	if doc.ValidUntil != nil {
		validUntil := doc.ValidUntil.UTC()
		coupon.ValidUntil = &validUntil
	}
	return coupon
}

type totalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

func encodeTotals(t domain.Totals) totalsDocument {
	return totalsDocument{Subtotal: t.Subtotal, Discount: t.Discount, Tax: t.Tax, Total: t.Total}
}

func (d totalsDocument) domain() domain.Totals {
	return domain.Totals{Subtotal: d.Subtotal, Discount: d.Discount, Tax: d.Tax, Total: d.Total}
}

type orderDocument struct {
	OrderNumber   string         `firestore:"orderNumber"`
	UserID        *string        `firestore:"userId"`
	ProductID     string         `firestore:"productId"`
	ProductName   string         `firestore:"productName"`
	Currency      string         `firestore:"currency"`
	Totals        totalsDocument `firestore:"totals"`
	Status        string         `firestore:"status"`
	CouponID      *string        `firestore:"couponId"`
	PaymentMethod string         `firestore:"paymentMethod"`
	Metadata      map[string]any `firestore:"metadata,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:   order.OrderNumber,
		UserID:        optionalString(order.UserID),
		ProductID:     order.ProductID,
		ProductName:   order.ProductName,
		Currency:      strings.ToUpper(order.Currency),
		Totals:        encodeTotals(order.Totals),
		Status:        string(order.Status),
		CouponID:      optionalString(order.CouponID),
		PaymentMethod: string(order.PaymentMethod),
		Metadata:      order.Metadata,
		CreatedAt:     order.CreatedAt.UTC(),
		UpdatedAt:     order.UpdatedAt.UTC(),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	return domain.Order{
		ID:            id,
		OrderNumber:   doc.OrderNumber,
		UserID:        derefString(doc.UserID),
		ProductID:     doc.ProductID,
		ProductName:   doc.ProductName,
		Currency:      doc.Currency,
		Totals:        doc.Totals.domain(),
		Status:        domain.OrderStatus(doc.Status),
		CouponID:      derefString(doc.CouponID),
		PaymentMethod: domain.PaymentMethod(doc.PaymentMethod),
		Metadata:      doc.Metadata,
		CreatedAt:     doc.CreatedAt.UTC(),
		UpdatedAt:     doc.UpdatedAt.UTC(),
	}
}

type paymentDocument struct {
	OrderID       string     `firestore:"orderId"`
	UserID        *string    `firestore:"userId"`
	Amount        int64      `firestore:"amount"`
	Currency      string     `firestore:"currency"`
	Status        string     `firestore:"status"`
	Gateway       string     `firestore:"gateway,omitempty"`
	TransactionID *string    `firestore:"transactionId"`
	PaidAt        *time.Time `firestore:"paidAt"`
	CreatedAt     time.Time  `firestore:"createdAt"`
}

func encodePayment(payment domain.Payment) paymentDocument {
	doc := paymentDocument{
		OrderID:       payment.OrderID,
		UserID:        optionalString(payment.UserID),
		Amount:        payment.Amount,
		Currency:      strings.ToUpper(payment.Currency),
		Status:        string(payment.Status),
		Gateway:       payment.Gateway,
		TransactionID: optionalString(payment.TransactionID),
		CreatedAt:     payment.CreatedAt.UTC(),
	}
	if payment.PaidAt != nil {
		paidAt := payment.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	return doc
}

func decodePayment(id string, doc paymentDocument) domain.Payment {
	payment := domain.Payment{
		ID:            id,
		OrderID:       doc.OrderID,
		UserID:        derefString(doc.UserID),
		Amount:        doc.Amount,
		Currency:      doc.Currency,
		Status:        domain.PaymentStatus(doc.Status),
		Gateway:       doc.Gateway,
		TransactionID: derefString(doc.TransactionID),
		CreatedAt:     doc.CreatedAt.UTC(),
	}
	if doc.PaidAt != nil {
		paidAt := doc.PaidAt.UTC()
		payment.PaidAt = &paidAt
	}
	return payment
}

type submissionDocument struct {
	OrderID    string         `firestore:"orderId"`
	ProductID  string         `firestore:"productId"`
	Method     string         `firestore:"paymentMethod"`
	Billing    map[string]any `firestore:"billing"`
	CouponCode string         `firestore:"couponCode,omitempty"`
	Guest      bool           `firestore:"guest"`
	CreatedAt  time.Time      `firestore:"createdAt"`
}

func encodeSubmission(sub domain.CheckoutSubmission) submissionDocument {
	return submissionDocument{
		OrderID:    sub.OrderID,
		ProductID:  sub.ProductID,
		Method:     string(sub.Method),
		Billing:    sub.Billing.Snapshot(),
		CouponCode: sub.CouponCode,
		Guest:      sub.Guest,
		CreatedAt:  sub.CreatedAt.UTC(),
	}
}

type invoiceLineDocument struct {
	Description string `firestore:"description"`
	Quantity    int64  `firestore:"quantity"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Amount      int64  `firestore:"amount"`
}

type invoiceDocument struct {
	InvoiceNumber string                `firestore:"invoiceNumber"`
	OrderID       string                `firestore:"orderId"`
	PaymentID     string                `firestore:"paymentId,omitempty"`
	UserID        *string               `firestore:"userId"`
	TransactionID *string               `firestore:"transactionId"`
	Billing       map[string]any        `firestore:"billing"`
	Items         []invoiceLineDocument `firestore:"items"`
	Totals        totalsDocument        `firestore:"totals"`
	Currency      string                `firestore:"currency"`
	Status        string                `firestore:"status"`
	DocumentURL   *string               `firestore:"documentUrl"`
	IssuedAt      time.Time             `firestore:"issuedAt"`
	CreatedAt     time.Time             `firestore:"createdAt"`
}

func encodeInvoice(invoice domain.Invoice) invoiceDocument {
	items := make([]invoiceLineDocument, 0, len(invoice.Items))
	for _, item := range invoice.Items {
		items = append(items, invoiceLineDocument{
			Description: item.Description,
			Quantity:    int64(item.Quantity),
			UnitPrice:   item.UnitPrice,
			Amount:      item.Amount,
		})
	}
	return invoiceDocument{
		InvoiceNumber: invoice.InvoiceNumber,
		OrderID:       invoice.OrderID,
		PaymentID:     invoice.PaymentID,
		UserID:        optionalString(invoice.UserID),
		TransactionID: optionalString(invoice.TransactionID),
		Billing:       invoice.Billing.Snapshot(),
		Items:         items,
		Totals:        encodeTotals(invoice.Totals),
		Currency:      strings.ToUpper(invoice.Currency),
		Status:        string(invoice.Status),
		DocumentURL:   invoice.DocumentURL,
		IssuedAt:      invoice.IssuedAt.UTC(),
		CreatedAt:     invoice.CreatedAt.UTC(),
	}
}

type gatewayConfigDocument struct {
	Gateway    string    `firestore:"gateway"`
	Mode       string    `firestore:"mode"`
	TestKey    string    `firestore:"testPublicKey,omitempty"`
	LiveKey    string    `firestore:"livePublicKey,omitempty"`
	TestSecret string    `firestore:"testSecretKey,omitempty"`
	LiveSecret string    `firestore:"liveSecretKey,omitempty"`
	Active     bool      `firestore:"active"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

// decodeGatewayConfig selects the key pair matching the configured mode.
func decodeGatewayConfig(doc gatewayConfigDocument) domain.GatewayConfig {
	mode := domain.GatewayMode(strings.ToLower(strings.TrimSpace(doc.Mode)))
	if mode != domain.GatewayModeLive {
		mode = domain.GatewayModeTest
	}
	cfg := domain.GatewayConfig{
		Gateway:   doc.Gateway,
		Mode:      mode,
		Active:    doc.Active,
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	if mode == domain.GatewayModeLive {
		cfg.PublicKey, cfg.SecretKey = doc.LiveKey, doc.LiveSecret
	} else {
		cfg.PublicKey, cfg.SecretKey = doc.TestKey, doc.TestSecret
	}
	return cfg
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
