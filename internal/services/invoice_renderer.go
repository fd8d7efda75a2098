package services

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-pdf/fpdf"

	domain "github.com/hanko-field/checkout/internal/domain"
)

const pdfContentType = "application/pdf"

type rgb struct{ r, g, b int }

var (
	defaultAccent = rgb{0x1f, 0x3a, 0x5f}
	mutedText     = rgb{0x66, 0x66, 0x66}
	paidBadge     = rgb{0x2e, 0x7d, 0x32}
	pendingBadge  = rgb{0xc7, 0x7c, 0x02}
)

// PDFInvoiceRenderer lays invoices out as A4 PDF documents.
type PDFInvoiceRenderer struct {
	accent   rgb
	compress bool
}

// NewPDFInvoiceRenderer returns a renderer using themeColor (#rrggbb) for headings. Invalid or
// empty colours fall back to the default accent.
func NewPDFInvoiceRenderer(themeColor string) *PDFInvoiceRenderer {
	accent, ok := parseHexColor(themeColor)
	if !ok {
		accent = defaultAccent
	}
	return &PDFInvoiceRenderer{accent: accent, compress: true}
}

// ContentType implements InvoiceRenderer.
func (r *PDFInvoiceRenderer) ContentType() string {
	return pdfContentType
}

// Render implements InvoiceRenderer. Long content flows onto additional pages.
func (r *PDFInvoiceRenderer) Render(doc InvoiceDocument) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(r.compress)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("")
	pdf.SetTitle("Invoice "+doc.Number, true)
	pdf.SetAuthor(doc.Company.Name, true)
	pdf.SetCreationDate(doc.IssuedAt)
	pdf.SetModificationDate(doc.IssuedAt)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	contentWidth := pageWidth - left - right

	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.SetTextColor(mutedText.r, mutedText.g, mutedText.b)
		pdf.CellFormat(contentWidth*0.75, 5, tr(doc.Footer), "", 0, "L", false, 0, "")
		pdf.CellFormat(contentWidth*0.25, 5, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "R", false, 0, "")
	})
	pdf.AddPage()

	r.letterhead(pdf, tr, doc, contentWidth)
	r.metadata(pdf, tr, doc, contentWidth)
	r.billTo(pdf, tr, doc.BillTo, contentWidth)
	r.items(pdf, tr, doc, contentWidth)
	r.totals(pdf, tr, doc, contentWidth)
	r.paymentReference(pdf, tr, doc, contentWidth)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("invoice renderer: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoice renderer: output: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *PDFInvoiceRenderer) letterhead(pdf *fpdf.Fpdf, tr func(string) string, doc InvoiceDocument, width float64) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.SetTextColor(r.accent.r, r.accent.g, r.accent.b)
	pdf.CellFormat(width*0.6, 10, tr(doc.Company.Name), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 22)
	pdf.CellFormat(width*0.4, 10, "INVOICE", "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(mutedText.r, mutedText.g, mutedText.b)
	for _, line := range nonEmpty(doc.Company.Address, doc.Company.Email, doc.Company.Phone) {
		pdf.CellFormat(width, 4.5, tr(line), "", 1, "L", false, 0, "")
	}
	if taxID := strings.TrimSpace(doc.Company.TaxID); taxID != "" {
		pdf.CellFormat(width, 4.5, tr("Tax ID: "+taxID), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
	pdf.SetDrawColor(r.accent.r, r.accent.g, r.accent.b)
	pdf.SetLineWidth(0.5)
	x, y := pdf.GetXY()
	pdf.Line(x, y, x+width, y)
	pdf.Ln(6)
}

func (r *PDFInvoiceRenderer) metadata(pdf *fpdf.Fpdf, tr func(string) string, doc InvoiceDocument, width float64) {
	rows := [][2]string{
		{"Invoice number", doc.Number},
		{"Issue date", doc.IssuedAt.Format("02 Jan 2006")},
		{"Order number", doc.OrderNumber},
	}
	if doc.PaymentID != "" {
		rows = append(rows, [2]string{"Payment", doc.PaymentID})
	}

	startY := pdf.GetY()
	pdf.SetTextColor(0, 0, 0)
	for _, row := range rows {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(35, 6, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(width*0.6-35, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}
	endY := pdf.GetY()

	badge := pendingBadge
	if doc.Status == domain.InvoiceStatusPaid {
		badge = paidBadge
	}
	pdf.SetXY(pdf.GetX()+width*0.65, startY)
	pdf.SetFillColor(badge.r, badge.g, badge.b)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(width*0.35, 10, tr(doc.StatusLabel), "", 1, "C", true, 0, "")
	pdf.SetY(endY)
	pdf.Ln(6)
}

func (r *PDFInvoiceRenderer) billTo(pdf *fpdf.Fpdf, tr func(string) string, billing BillingInfo, width float64) {
	r.sectionHeading(pdf, tr, "Bill to", width)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(width, 5.5, tr(billing.FullName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)

	cityLine := strings.Join(nonEmpty(billing.City, billing.State, billing.PostalCode), ", ")
	for _, line := range nonEmpty(billing.AddressLine1, billing.AddressLine2, cityLine, billing.Country, billing.Email, billing.Phone) {
		pdf.CellFormat(width, 5, tr(line), "", 1, "L", false, 0, "")
	}
	if notes := strings.TrimSpace(billing.Notes); notes != "" {
		pdf.Ln(1)
		pdf.SetFont("Helvetica", "I", 9)
		pdf.SetTextColor(mutedText.r, mutedText.g, mutedText.b)
		pdf.MultiCell(width, 4.5, tr("Notes: "+notes), "", "L", false)
	}
	pdf.Ln(6)
}

func (r *PDFInvoiceRenderer) items(pdf *fpdf.Fpdf, tr func(string) string, doc InvoiceDocument, width float64) {
	cols := []float64{width * 0.52, width * 0.12, width * 0.18, width * 0.18}
	header := []string{"Description", "Qty", "Unit price", "Amount"}
	aligns := []string{"L", "C", "R", "R"}

	drawHeader := func() {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetFillColor(r.accent.r, r.accent.g, r.accent.b)
		pdf.SetTextColor(255, 255, 255)
		for i, title := range header {
			pdf.CellFormat(cols[i], 8, title, "", 0, aligns[i], true, 0, "")
		}
		pdf.Ln(-1)
	}
	drawHeader()

	_, pageHeight := pdf.GetPageSize()
	_, _, _, bottom := pdf.GetMargins()
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetDrawColor(0xdd, 0xdd, 0xdd)
	pdf.SetLineWidth(0.2)
	for _, item := range doc.Items {
		if pdf.GetY()+8 > pageHeight-bottom {
			pdf.AddPage()
			drawHeader()
			pdf.SetFont("Helvetica", "", 10)
			pdf.SetTextColor(0, 0, 0)
		}
		values := []string{
			item.Description,
			strconv.Itoa(item.Quantity),
			formatMoneyISO(item.UnitPrice, doc.Currency),
			formatMoneyISO(item.Amount, doc.Currency),
		}
		for i, value := range values {
			pdf.CellFormat(cols[i], 8, tr(value), "B", 0, aligns[i], false, 0, "")
		}
		pdf.Ln(-1)
	}
	pdf.Ln(4)
}

func (r *PDFInvoiceRenderer) totals(pdf *fpdf.Fpdf, tr func(string) string, doc InvoiceDocument, width float64) {
	labelWidth := width * 0.25
	valueWidth := width * 0.20
	offset := width - labelWidth - valueWidth
	left, _, _, _ := pdf.GetMargins()

	rows := [][2]string{{"Subtotal", formatMoneyISO(doc.Totals.Subtotal, doc.Currency)}}
	if doc.Totals.Discount > 0 {
		rows = append(rows, [2]string{"Discount", "-" + formatMoneyISO(doc.Totals.Discount, doc.Currency)})
	}
	if doc.Totals.Tax > 0 {
		rows = append(rows, [2]string{"Tax", formatMoneyISO(doc.Totals.Tax, doc.Currency)})
	}

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 10)
	for _, row := range rows {
		pdf.SetX(left + offset)
		pdf.CellFormat(labelWidth, 6, row[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(valueWidth, 6, tr(row[1]), "", 1, "R", false, 0, "")
	}
	pdf.SetX(left + offset)
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetTextColor(r.accent.r, r.accent.g, r.accent.b)
	pdf.CellFormat(labelWidth, 8, "Total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(valueWidth, 8, tr(formatMoneyISO(doc.Totals.Total, doc.Currency)), "T", 1, "R", false, 0, "")
	pdf.Ln(8)
}

func (r *PDFInvoiceRenderer) paymentReference(pdf *fpdf.Fpdf, tr func(string) string, doc InvoiceDocument, width float64) {
	r.sectionHeading(pdf, tr, "Payment", width)
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	label := "Reference"
	if doc.Status != domain.InvoiceStatusPaid {
		label = "Status"
	}
	pdf.CellFormat(35, 6, label, "", 0, "L", false, 0, "")
	pdf.CellFormat(width-35, 6, tr(doc.PaymentReference), "", 1, "L", false, 0, "")
}

func (r *PDFInvoiceRenderer) sectionHeading(pdf *fpdf.Fpdf, tr func(string) string, title string, width float64) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetTextColor(r.accent.r, r.accent.g, r.accent.b)
	pdf.CellFormat(width, 7, tr(strings.ToUpper(title)), "", 1, "L", false, 0, "")
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseHexColor(value string) (rgb, bool) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "#")
	if len(value) != 6 {
		return rgb{}, false
	}
	n, err := strconv.ParseUint(value, 16, 32)
	if err != nil {
		return rgb{}, false
	}
	return rgb{int(n >> 16 & 0xff), int(n >> 8 & 0xff), int(n & 0xff)}, true
}
