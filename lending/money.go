package lending

import "github.com/shopspring/decimal"

// =============================================================================
// MONEY - Fixed-point helpers
// =============================================================================

// Tolerance is the monetary slack used when deciding whether an
// installment or agreement is fully settled (R$0.10).
var Tolerance = decimal.RequireFromString("0.10")

var oneHundred = decimal.NewFromInt(100)
var thirty = decimal.NewFromInt(30)

// RoundMoney rounds to 2 decimal places, half up. decimal.Decimal is
// exact, so no epsilon correction is needed before rounding.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Percent returns rate% of base, unrounded. Rates are expressed as
// percentages (30 means 30%).
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(oneHundred)
}

// SplitEven divides total into n parts rounded to 2 decimals, with the
// last part absorbing the rounding remainder so the parts always sum
// back to total exactly.
func SplitEven(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	per := RoundMoney(total.Div(decimal.NewFromInt(int64(n))))
	parts := make([]decimal.Decimal, n)
	running := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = per
		running = running.Add(per)
	}
	parts[n-1] = total.Sub(running)
	return parts
}
