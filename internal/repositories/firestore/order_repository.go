package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

// OrderRepository persists order headers.
type OrderRepository struct {
	base  *pfirestore.BaseRepository[orderDocument]
	clock func() time.Time
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base:  pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		clock: time.Now,
	}, nil
}

// FindByID loads an order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(id, doc), nil
}

// AssignBuyer sets the buyer on an order created without one.
func (r *OrderRepository) AssignBuyer(ctx context.Context, orderID, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("order repository: user id is required")
	}
	return r.base.Update(ctx, strings.TrimSpace(orderID), []firestore.Update{
		{Path: "userId", Value: uid},
		{Path: "updatedAt", Value: r.clock().UTC()},
	})
}

// PaymentRepository persists payment records.
type PaymentRepository struct {
	base *pfirestore.BaseRepository[paymentDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		base: pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil),
	}, nil
}

// FindByID loads a payment.
func (r *PaymentRepository) FindByID(ctx context.Context, paymentID string) (domain.Payment, error) {
	id := strings.TrimSpace(paymentID)
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Payment{}, err
	}
	return decodePayment(id, doc), nil
}

// AssignBuyer sets the buyer on a payment created without one.
func (r *PaymentRepository) AssignBuyer(ctx context.Context, paymentID, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("payment repository: user id is required")
	}
	return r.base.Update(ctx, strings.TrimSpace(paymentID), []firestore.Update{
		{Path: "userId", Value: uid},
	})
}

// CheckoutWriter writes the order, payment and raw submission of a checkout in one transaction.
type CheckoutWriter struct {
	provider    *pfirestore.Provider
	orders      *pfirestore.BaseRepository[orderDocument]
	payments    *pfirestore.BaseRepository[paymentDocument]
	submissions *pfirestore.BaseRepository[submissionDocument]
}

// NewCheckoutWriter constructs a Firestore-backed checkout writer.
func NewCheckoutWriter(provider *pfirestore.Provider) (*CheckoutWriter, error) {
	if provider == nil {
		return nil, errors.New("checkout writer requires firestore provider")
	}
	return &CheckoutWriter{
		provider:    provider,
		orders:      pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		payments:    pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil),
		submissions: pfirestore.NewBaseRepository[submissionDocument](provider, submissionsCollection, nil, nil),
	}, nil
}

// Commit creates all three documents or none of them. Existing ids are reported as conflicts.
func (w *CheckoutWriter) Commit(ctx context.Context, records repositories.CheckoutRecords) error {
	if w == nil || w.provider == nil {
		return errors.New("checkout writer not initialised")
	}
	if records.Order.ID == "" || records.Payment.ID == "" || records.Submission.ID == "" {
		return errors.New("checkout writer: order, payment and submission ids are required")
	}

	return w.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := w.orders.CreateInTx(ctx, tx, records.Order.ID, encodeOrder(records.Order)); err != nil {
			return err
		}
		if err := w.payments.CreateInTx(ctx, tx, records.Payment.ID, encodePayment(records.Payment)); err != nil {
			return err
		}
		return w.submissions.CreateInTx(ctx, tx, records.Submission.ID, encodeSubmission(records.Submission))
	})
}
