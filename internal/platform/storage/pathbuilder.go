package storage

import (
	"fmt"
	"strings"
)

// InvoicePath returns the object key for a rendered invoice: invoices/{orderId}/{invoiceNumber}.pdf.
func InvoicePath(orderID, invoiceNumber string) (string, error) {
	order, err := validateSegment("orderID", orderID)
	if err != nil {
		return "", err
	}
	number, err := validateSegment("invoiceNumber", invoiceNumber)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("invoices/%s/%s.pdf", order, number), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
