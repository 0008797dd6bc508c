// Package money holds currency amounts used for unlock and subscription prices.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a non-negative amount in a single currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Parse builds Money from a decimal string such as "19.00".
func Parse(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("money: parse %q: %w", amount, err)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("money: negative amount %s", amount)
	}
	currency = normalizeCurrency(currency)
	if exp := Exponent(currency); !d.Round(exp).Equal(d) {
		return Money{}, fmt.Errorf("money: %s allows %d decimal places, got %s", strings.ToUpper(currency), exp, amount)
	}
	return Money{Amount: d, Currency: currency}, nil
}

// MustParse is Parse for package-level defaults.
func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromMinor converts provider minor units into Money using the currency's
// exponent, so 500 JPY stays 500 while 500 USD becomes 5.00.
func FromMinor(minor int64, currency string) Money {
	currency = normalizeCurrency(currency)
	return Money{Amount: decimal.New(minor, -Exponent(currency)), Currency: currency}
}

// Minor returns the amount in the currency's minor units, rounded half-up.
func (m Money) Minor() int64 {
	return m.Amount.Shift(Exponent(m.Currency)).Round(0).IntPart()
}

func (m Money) IsZero() bool { return m.Amount.IsZero() }

// GreaterThan compares amounts; currencies must match.
func (m Money) GreaterThan(o Money) bool {
	return m.Currency == o.Currency && m.Amount.GreaterThan(o.Amount)
}

func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

func (m Money) String() string {
	return m.Amount.StringFixed(Exponent(m.Currency)) + " " + strings.ToUpper(m.Currency)
}

// Ptr returns a pointer to a copy of m.
func (m Money) Ptr() *Money { return &m }

// Minor-unit exponents that differ from the usual two decimal places, as
// the payment provider counts them.
var exponents = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0, "mga": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// Exponent returns the number of decimal places in one unit of currency.
func Exponent(currency string) int32 {
	if e, ok := exponents[normalizeCurrency(currency)]; ok {
		return e
	}
	return 2
}

func normalizeCurrency(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "usd"
	}
	return c
}
