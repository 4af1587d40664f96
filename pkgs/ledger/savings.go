package ledger

import (
	"math/big"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/shopspring/decimal"
)

// DefaultMarkupBps is the reference venue's routing cost over a direct match
const DefaultMarkupBps = 80

// Savings returns max(0, baseline - matched) in quote token units, where
// matched = amount*price and baseline = amount*reference*(1+markup).
// All inputs are in encrypted fixed-point precision.
func Savings(amount, price, reference *big.Int, markupBps int64) decimal.Decimal {
	if amount == nil || price == nil {
		return decimal.Zero
	}
	if reference == nil {
		reference = price
	}

	a := decimal.NewFromBigInt(amount, -confidential.EncryptedDecimals)
	p := decimal.NewFromBigInt(price, -confidential.EncryptedDecimals)
	ref := decimal.NewFromBigInt(reference, -confidential.EncryptedDecimals)

	markup := decimal.NewFromInt(10000 + markupBps).Div(decimal.NewFromInt(10000))
	baseline := a.Mul(ref).Mul(markup)
	matched := a.Mul(p)

	diff := baseline.Sub(matched)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}
