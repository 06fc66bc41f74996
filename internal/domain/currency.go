package domain

import "strings"

// Currency describes the metadata used for minor-unit arithmetic.
type Currency struct {
	Code     string
	Exponent int32
}

// currencyCatalog maps ISO 4217 codes to their decimal exponent.
// Data-driven so new currencies are added here, not in branching code.
var currencyCatalog = map[string]Currency{
	"USD": {Code: "USD", Exponent: 2},
	"EUR": {Code: "EUR", Exponent: 2},
	"GBP": {Code: "GBP", Exponent: 2},
	"RUB": {Code: "RUB", Exponent: 2},
	"KZT": {Code: "KZT", Exponent: 2},
	"UZS": {Code: "UZS", Exponent: 2},
	"TRY": {Code: "TRY", Exponent: 2},
	"AED": {Code: "AED", Exponent: 2},
	"CNY": {Code: "CNY", Exponent: 2},
	"JPY": {Code: "JPY", Exponent: 0},
	"KRW": {Code: "KRW", Exponent: 0},
	"VND": {Code: "VND", Exponent: 0},
	"KWD": {Code: "KWD", Exponent: 3},
	"BHD": {Code: "BHD", Exponent: 3},
	"OMR": {Code: "OMR", Exponent: 3},
}

// LookupCurrency resolves a currency code from the catalog.
func LookupCurrency(code string) (Currency, error) {
	cur, ok := currencyCatalog[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, ErrUnsupportedCurrency
	}
	return cur, nil
}

// SupportedCurrency reports whether the code is present in the catalog.
func SupportedCurrency(code string) bool {
	_, err := LookupCurrency(code)
	return err == nil
}
