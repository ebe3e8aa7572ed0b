package orders

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxAmountMinor bounds every amount an order may carry, line or total. It
// stays below 2^53 so JSON consumers read amounts exactly.
const MaxAmountMinor int64 = 1_000_000_000_000_000

var ErrAmountTooLarge = errors.New("amount exceeds the supported maximum")

var maxAmount = decimal.NewFromInt(MaxAmountMinor)

// currencyExponent lists ISO 4217 minor-unit exponents for the currencies we
// accept. Anything missing is rejected at validation.
var currencyExponent = map[string]int32{
	"AUD": 2, "BRL": 2, "CAD": 2, "CHF": 2, "CZK": 2, "DKK": 2, "EUR": 2,
	"GBP": 2, "HKD": 2, "IDR": 2, "INR": 2, "MXN": 2, "MYR": 2, "NOK": 2,
	"NZD": 2, "PHP": 2, "PLN": 2, "SEK": 2, "SGD": 2, "THB": 2, "USD": 2,
	"ZAR": 2,
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3,
}

func Exponent(currency string) (int32, bool) {
	e, ok := currencyExponent[currency]
	return e, ok
}

// ToMinor converts a major-unit amount to minor units. Amounts carrying more
// precision than the currency allows are rejected rather than rounded.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	exp, ok := Exponent(currency)
	if !ok {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	shifted := amount.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places for %s", amount, exp, currency)
	}
	if shifted.Abs().GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s %s", ErrAmountTooLarge, amount, currency)
	}
	return shifted.IntPart(), nil
}

// FormatMinor renders minor units as a fixed-point major-unit string ("32.00").
func FormatMinor(minor int64, currency string) string {
	exp, ok := Exponent(currency)
	if !ok {
		exp = 2
	}
	return decimal.New(minor, -exp).StringFixed(exp)
}

type Totals struct {
	Subtotal int64
	Tax      int64
	Shipping int64
	Total    int64
}

// Pricing is the merchant's tax and shipping policy.
type Pricing struct {
	TaxRateBps       int64
	ShippingFeeMinor int64
}

// ComputeTotals derives every order amount from the line items. Tax rounds
// half up. Sums are taken in decimal so an oversized order is refused with
// ErrAmountTooLarge instead of wrapping.
func ComputeTotals(items []OrderItem, p Pricing) (Totals, error) {
	sub := decimal.Zero
	for _, it := range items {
		sub = sub.Add(decimal.NewFromInt(it.SubtotalMinor))
	}
	tax := sub.Mul(decimal.NewFromInt(p.TaxRateBps)).Div(decimal.NewFromInt(10000)).Round(0)
	total := sub.Add(tax).Add(decimal.NewFromInt(p.ShippingFeeMinor))
	if total.GreaterThan(maxAmount) || tax.GreaterThan(maxAmount) {
		return Totals{}, fmt.Errorf("%w: order total %s minor units", ErrAmountTooLarge, total)
	}
	return Totals{
		Subtotal: sub.IntPart(),
		Tax:      tax.IntPart(),
		Shipping: p.ShippingFeeMinor,
		Total:    total.IntPart(),
	}, nil
}

// LineSubtotal is unit * qty, refused when it leaves the supported range.
func LineSubtotal(unitMinor int64, qty int) (int64, error) {
	line := decimal.NewFromInt(unitMinor).Mul(decimal.NewFromInt(int64(qty)))
	if line.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: line total %s minor units", ErrAmountTooLarge, line)
	}
	return line.IntPart(), nil
}

// TotalsConsistent reports whether the stored amounts satisfy the order invariant.
func (o *Order) TotalsConsistent() bool {
	sub := decimal.Zero
	for _, it := range o.Items {
		line := decimal.NewFromInt(it.UnitPriceMinor).Mul(decimal.NewFromInt(int64(it.Quantity)))
		if !line.Equal(decimal.NewFromInt(it.SubtotalMinor)) {
			return false
		}
		sub = sub.Add(line)
	}
	total := decimal.NewFromInt(o.SubtotalMinor).Add(decimal.NewFromInt(o.TaxMinor)).Add(decimal.NewFromInt(o.ShippingMinor))
	return sub.Equal(decimal.NewFromInt(o.SubtotalMinor)) && total.Equal(decimal.NewFromInt(o.TotalMinor))
}
