package services

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const defaultCurrency = "INR"

var moneyPrinter = message.NewPrinter(language.English)

// formatMoney renders minor units using the currency symbol, e.g. "₹ 250.00".
func formatMoney(minor int64, code string) string {
	return formatMoneyWith(currency.Symbol, minor, code)
}

// formatMoneyISO renders minor units using the ISO code, e.g. "INR 250.00". Used where the
// output font cannot draw currency symbols.
func formatMoneyISO(minor int64, code string) string {
	return formatMoneyWith(currency.ISO, minor, code)
}

func formatMoneyWith(formatter currency.Formatter, minor int64, code string) string {
	unit, err := currency.ParseISO(normalizeCurrency(code))
	if err != nil {
		return decimal.New(minor, -2).StringFixed(2) + " " + strings.ToUpper(code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	major := decimal.New(minor, -int32(scale))
	return moneyPrinter.Sprint(formatter(unit.Amount(major.InexactFloat64())))
}

func normalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return defaultCurrency
	}
	return code
}
