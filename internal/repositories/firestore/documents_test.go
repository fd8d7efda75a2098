package firestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/checkout/internal/domain"
)

func TestDecodeCouponNormalisesFields(t *testing.T) {
	maxUses := int64(10)
	minOrder := int64(25000)
	validUntil := time.Date(2025, 12, 31, 18, 30, 0, 0, time.FixedZone("IST", 5*3600+1800))

	coupon := decodeCoupon("c1", couponDocument{
		Code:           " save20 ",
		DiscountType:   "percentage",
		DiscountValue:  20,
		MinOrderAmount: &minOrder,
		MaxUses:        &maxUses,
		UsesCount:      3,
		ValidUntil:     &validUntil,
		Active:         true,
	})

	assert.Equal(t, "SAVE20", coupon.Code)
	assert.Equal(t, domain.DiscountPercentage, coupon.DiscountType)
	assert.Equal(t, "20", coupon.DiscountValue.String())
	require.NotNil(t, coupon.MaxUses)
	assert.Equal(t, 10, *coupon.MaxUses)
	assert.Equal(t, 3, coupon.UsesCount)
	require.NotNil(t, coupon.ValidUntil)
	assert.Equal(t, time.UTC, coupon.ValidUntil.Location())
}

func TestEncodeOrderLeavesGuestBuyerNull(t *testing.T) {
	now := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	doc := encodeOrder(domain.Order{
		ID:            "o1",
		OrderNumber:   "ORD-2025-000001",
		ProductID:     "p1",
		Currency:      "inr",
		Totals:        domain.ComputeTotals(50000, 10000, 0),
		Status:        domain.OrderStatusPending,
		PaymentMethod: domain.PaymentMethodCash,
		CreatedAt:     now,
		UpdatedAt:     now,
	})

	assert.Nil(t, doc.UserID)
	assert.Nil(t, doc.CouponID)
	assert.Equal(t, "INR", doc.Currency)
	assert.Equal(t, int64(40000), doc.Totals.Total)

	order := decodeOrder("o1", doc)
	assert.Empty(t, order.UserID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, int64(40000), order.Totals.Total)
}

func TestEncodePaymentRoundTripsPaidAt(t *testing.T) {
	paidAt := time.Date(2025, 5, 6, 9, 5, 0, 0, time.UTC)
	doc := encodePayment(domain.Payment{
		ID:            "pay1",
		OrderID:       "o1",
		Amount:        40000,
		Currency:      "INR",
		Status:        domain.PaymentStatusCompleted,
		Gateway:       "stripe",
		TransactionID: "pi_1",
		PaidAt:        &paidAt,
	})
	require.NotNil(t, doc.TransactionID)
	assert.Equal(t, "pi_1", *doc.TransactionID)

	payment := decodePayment("pay1", doc)
	require.NotNil(t, payment.PaidAt)
	assert.True(t, payment.PaidAt.Equal(paidAt))
	assert.Equal(t, domain.PaymentStatusCompleted, payment.Status)
}

func TestDecodeGatewayConfigSelectsModeKeys(t *testing.T) {
	doc := gatewayConfigDocument{
		Gateway:    "stripe",
		Mode:       "LIVE",
		TestSecret: "sk_test",
		LiveSecret: "sk_live",
		LiveKey:    "pk_live",
		Active:     true,
	}
	cfg := decodeGatewayConfig(doc)
	assert.Equal(t, domain.GatewayModeLive, cfg.Mode)
	assert.Equal(t, "sk_live", cfg.SecretKey)
	assert.Equal(t, "pk_live", cfg.PublicKey)

	doc.Mode = "sandbox"
	cfg = decodeGatewayConfig(doc)
	assert.Equal(t, domain.GatewayModeTest, cfg.Mode)
	assert.Equal(t, "sk_test", cfg.SecretKey)
}

func TestEncodeInvoiceCarriesLineItems(t *testing.T) {
	doc := encodeInvoice(domain.Invoice{
		ID:            "inv1",
		InvoiceNumber: "INV-2025-00001",
		OrderID:       "o1",
		Billing:       domain.BillingInfo{FullName: "Asha Rao", Email: "a@b.com"},
		Items:         []domain.InvoiceLineItem{{Description: "Pro Plan", Quantity: 1, UnitPrice: 50000, Amount: 50000}},
		Totals:        domain.ComputeTotals(50000, 0, 0),
		Currency:      "INR",
		Status:        domain.InvoiceStatusDraft,
	})
	require.Len(t, doc.Items, 1)
	assert.Equal(t, int64(1), doc.Items[0].Quantity)
	assert.Nil(t, doc.DocumentURL)
	assert.Nil(t, doc.UserID)
	assert.Equal(t, "Asha Rao", doc.Billing["fullName"])
}
