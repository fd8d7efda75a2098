package services

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// CompanyInfo is the seller block printed on invoice letterheads.
type CompanyInfo struct {
	Name    string
	Address string
	Email   string
	Phone   string
	TaxID   string
}

// InvoiceInput carries the committed order facts an invoice is built from. UserID and
// TransactionID are empty for guest and cash checkouts respectively.
type InvoiceInput struct {
	OrderID       string
	OrderNumber   string
	PaymentID     string
	UserID        string
	TransactionID string
	Billing       BillingInfo
	ProductName   string
	Currency      string
	Totals        Totals
}

// InvoiceDocument is the self-contained model a renderer lays out.
type InvoiceDocument struct {
	Number           string
	IssuedAt         time.Time
	OrderID          string
	OrderNumber      string
	PaymentID        string
	UserID           string
	Company          CompanyInfo
	BillTo           BillingInfo
	Items            []InvoiceLineItem
	Totals           Totals
	Currency         string
	Status           domain.InvoiceStatus
	StatusLabel      string
	PaymentReference string
	Footer           string
}

const (
	invoiceStatusPaidLabel    = "PAID"
	invoiceStatusPendingLabel = "PAYMENT PENDING"
)

// BuildInvoice assembles the invoice document. It performs no I/O.
func BuildInvoice(in InvoiceInput, company CompanyInfo, number string, issuedAt time.Time) InvoiceDocument {
	doc := InvoiceDocument{
		Number:      number,
		IssuedAt:    issuedAt.UTC(),
		OrderID:     in.OrderID,
		OrderNumber: in.OrderNumber,
		PaymentID:   in.PaymentID,
		UserID:      in.UserID,
		Company:     company,
		BillTo:      in.Billing,
		Items: []InvoiceLineItem{{
			Description: defaultString(strings.TrimSpace(in.ProductName), "Product purchase"),
			Quantity:    1,
			UnitPrice:   in.Totals.Subtotal,
			Amount:      in.Totals.Subtotal,
		}},
		Totals:   in.Totals,
		Currency: normalizeCurrency(in.Currency),
	}

	if txID := strings.TrimSpace(in.TransactionID); txID != "" {
		doc.Status = domain.InvoiceStatusPaid
		doc.StatusLabel = invoiceStatusPaidLabel
		doc.PaymentReference = txID
	} else if in.Totals.Total <= 0 {
		doc.Status = domain.InvoiceStatusPaid
		doc.StatusLabel = invoiceStatusPaidLabel
		doc.PaymentReference = "No payment due"
	} else {
		doc.Status = domain.InvoiceStatusDraft
		doc.StatusLabel = invoiceStatusPendingLabel
		doc.PaymentReference = "Payment due on delivery"
	}

	footer := "Thank you for your purchase."
	if name := strings.TrimSpace(company.Name); name != "" {
		footer = fmt.Sprintf("Thank you for shopping with %s.", name)
	}
	if email := strings.TrimSpace(company.Email); email != "" {
		footer += " Questions? Contact " + email + "."
	}
	doc.Footer = footer
	return doc
}

// FormatInvoiceNumber returns INV-{YYYY}-{NNNNN}.
func FormatInvoiceNumber(year int, seq int64) string {
	return fmt.Sprintf("INV-%04d-%05d", year, seq)
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
