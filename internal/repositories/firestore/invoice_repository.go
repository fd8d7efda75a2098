package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
)

// InvoiceRepository persists invoice metadata. Rendered documents live in blob storage.
type InvoiceRepository struct {
	base *pfirestore.BaseRepository[invoiceDocument]
}

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository requires firestore provider")
	}
	return &InvoiceRepository{
		base: pfirestore.NewBaseRepository[invoiceDocument](provider, invoicesCollection, nil, nil),
	}, nil
}

// Insert creates the invoice document.
func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.Invoice) error {
	return r.base.Create(ctx, invoice.ID, encodeInvoice(invoice))
}

// CountIssuedSince counts invoices created at or after since using a server-side aggregation.
// Numbers derived from it are advisory: two concurrent checkouts can read the same count.
func (r *InvoiceRepository) CountIssuedSince(ctx context.Context, since time.Time) (int64, error) {
	return r.base.Count(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("createdAt", ">=", since.UTC())
	})
}

// SetDocumentURL records the public URL of the rendered invoice.
func (r *InvoiceRepository) SetDocumentURL(ctx context.Context, invoiceID, url string) error {
	return r.base.Update(ctx, strings.TrimSpace(invoiceID), []firestore.Update{
		{Path: "documentUrl", Value: url},
	})
}
