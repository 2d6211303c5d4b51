package domain

import "strings"

// Currency identifies the settlement network a payment is sent on.
type Currency string

const (
	CurrencyETH Currency = "ETH"
	CurrencyBTC Currency = "BTC"
	CurrencyXRP Currency = "XRP"
)

// ParseCurrency normalizes a user supplied currency code.
// Unknown codes are returned as-is; whether they are supported is decided
// by the settlement registry, not here.
func ParseCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

// NeedsFeeQuote reports whether a fee estimate must be fetched before a
// transfer is attempted on this network.
func (c Currency) NeedsFeeQuote() bool {
	return c == CurrencyBTC
}

func (c Currency) String() string {
	return string(c)
}
