package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/checkout/internal/platform/storage"
	"github.com/hanko-field/checkout/internal/repositories"
)

var (
	// ErrInvoiceNumbering indicates the yearly invoice count could not be read.
	ErrInvoiceNumbering = errors.New("invoice: numbering failed")
	// ErrInvoicePersist indicates the invoice record could not be written.
	ErrInvoicePersist = errors.New("invoice: persist failed")
	// ErrInvoiceRender indicates the document could not be rendered.
	ErrInvoiceRender = errors.New("invoice: render failed")
	// ErrInvoiceStorage indicates the rendered document could not be stored.
	ErrInvoiceStorage = errors.New("invoice: storage failed")
)

// InvoiceOutcome reports what Generate achieved. Invoice is nil when no record was written; URL
// is nil when the document was not stored.
type InvoiceOutcome struct {
	Invoice *Invoice
	URL     *string
	Err     error
}

// InvoiceServiceDeps bundles collaborators required to construct an InvoiceService.
type InvoiceServiceDeps struct {
	Invoices repositories.InvoiceRepository
	Renderer InvoiceRenderer
	Blobs    BlobStore
	Company  CompanyInfo
	Clock    func() time.Time
	IDGen    func() string
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	invoices repositories.InvoiceRepository
	renderer InvoiceRenderer
	blobs    BlobStore
	company  CompanyInfo
	clock    func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewInvoiceService wires the invoice pipeline.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("invoice service: renderer is required")
	}
	if deps.Blobs == nil {
		return nil, errors.New("invoice service: blob store is required")
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
	return &invoiceService{
		invoices: deps.Invoices,
		renderer: deps.Renderer,
		blobs:    deps.Blobs,
		company:  deps.Company,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

// Generate numbers, records, renders and uploads the invoice for a committed order.
//
// The number is count(invoices since Jan 1 UTC)+1. Two concurrent checkouts can read the same
// count and issue the same number; numbering is advisory.
func (s *invoiceService) Generate(ctx context.Context, in InvoiceInput) InvoiceOutcome {
	now := s.clock()
	yearStart := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)

	issued, err := s.invoices.CountIssuedSince(ctx, yearStart)
	if err != nil {
		s.logger(ctx, "invoice.numbering.failed", map[string]any{"orderId": in.OrderID, "error": err.Error()})
		return InvoiceOutcome{Err: fmt.Errorf("%w: %v", ErrInvoiceNumbering, err)}
	}
	number := FormatInvoiceNumber(now.Year(), issued+1)
	doc := BuildInvoice(in, s.company, number, now)

	invoice := Invoice{
		ID:            "inv_" + strings.ToLower(s.newID()),
		InvoiceNumber: number,
		OrderID:       in.OrderID,
		PaymentID:     in.PaymentID,
		UserID:        in.UserID,
		TransactionID: strings.TrimSpace(in.TransactionID),
		Billing:       in.Billing,
		Items:         doc.Items,
		Totals:        in.Totals,
		Currency:      doc.Currency,
		Status:        doc.Status,
		IssuedAt:      now,
		CreatedAt:     now,
	}
	if err := s.invoices.Insert(ctx, invoice); err != nil {
		s.logger(ctx, "invoice.persist.failed", map[string]any{"orderId": in.OrderID, "invoiceNumber": number, "error": err.Error()})
		return InvoiceOutcome{Err: fmt.Errorf("%w: %v", ErrInvoicePersist, err)}
	}

	outcome := InvoiceOutcome{Invoice: &invoice}

	data, err := s.renderer.Render(doc)
	if err != nil {
		s.logger(ctx, "invoice.render.failed", map[string]any{"invoiceId": invoice.ID, "invoiceNumber": number, "error": err.Error()})
		outcome.Err = fmt.Errorf("%w: %v", ErrInvoiceRender, err)
		return outcome
	}

	path, err := storage.InvoicePath(in.OrderID, number)
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %v", ErrInvoiceStorage, err)
		return outcome
	}
	if err := s.blobs.Upload(ctx, path, data, s.renderer.ContentType()); err != nil {
		s.logger(ctx, "invoice.upload.failed", map[string]any{"invoiceId": invoice.ID, "path": path, "error": err.Error()})
		outcome.Err = fmt.Errorf("%w: %v", ErrInvoiceStorage, err)
		return outcome
	}

	url := s.blobs.PublicURL(path)
	invoice.DocumentURL = &url
	outcome.URL = &url
	if err := s.invoices.SetDocumentURL(ctx, invoice.ID, url); err != nil {
		// the document is reachable; only the back-reference is missing
		s.logger(ctx, "invoice.url.record_failed", map[string]any{"invoiceId": invoice.ID, "error": err.Error()})
	}

	s.logger(ctx, "invoice.generated", map[string]any{
		"invoiceId":     invoice.ID,
		"invoiceNumber": number,
		"orderId":       in.OrderID,
		"status":        string(invoice.Status),
		"bytes":         len(data),
	})
	return outcome
}
