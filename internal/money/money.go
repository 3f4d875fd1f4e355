package money

import "github.com/shopspring/decimal"

// Cents is a monetary amount in the smallest currency unit. All arithmetic on
// payment paths uses integers; decimals appear only when a rate or percentage
// is applied, and the result is rounded back to cents exactly once.
type Cents int64

var hundred = decimal.NewFromInt(100)

// ApplyRate returns a × rate, rounded half-up to the nearest cent.
func ApplyRate(a Cents, rate decimal.Decimal) Cents {
	result := decimal.NewFromInt(int64(a)).Mul(rate).Round(0)
	return Cents(result.IntPart())
}

// Share returns a × (1 − rate), rounded half-up. Used for teacher payouts
// after the platform fee.
func Share(a Cents, feeRate decimal.Decimal) Cents {
	return ApplyRate(a, decimal.NewFromInt(1).Sub(feeRate))
}

// DiscountedPrice applies a percentage discount to a per-session price.
func DiscountedPrice(price Cents, discountPercent decimal.Decimal) Cents {
	multiplier := decimal.NewFromInt(1).Sub(discountPercent.Div(hundred))
	return ApplyRate(price, multiplier)
}

// Percent returns percent% of a, rounded half-up.
func Percent(a Cents, percent int) Cents {
	return ApplyRate(a, decimal.NewFromInt(int64(percent)).Div(hundred))
}

// SplitEven divides total into n shares that sum to total exactly. The first
// n−1 shares are total/n truncated; the last share absorbs the remainder.
func SplitEven(total Cents, n int) []Cents {
	if n <= 0 {
		return nil
	}
	shares := make([]Cents, n)
	base := total / Cents(n)
	for i := 0; i < n-1; i++ {
		shares[i] = base
	}
	shares[n-1] = total - base*Cents(n-1)
	return shares
}
