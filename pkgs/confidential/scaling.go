package confidential

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

const (
	// TokenDecimals is the precision callers express amounts in
	TokenDecimals = 18

	// EncryptedDecimals is the fixed-point precision kept inside handles
	EncryptedDecimals = 6
)

var (
	scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(TokenDecimals-EncryptedDecimals), nil)

	// PriceUnit is 1.0 in encrypted fixed point
	PriceUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(EncryptedDecimals), nil)
)

// ScaleDown converts an 18-decimal token amount to encrypted precision.
// Amounts with dust below 10^-6 are rejected instead of truncated.
func ScaleDown(raw *big.Int) (*big.Int, error) {
	if raw == nil || raw.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrRange)
	}

	q, r := new(big.Int).QuoRem(raw, scaleFactor, new(big.Int))
	if r.Sign() != 0 {
		return nil, fmt.Errorf("%w: %s has %s wei below 1e-%d", ErrPrecisionLoss, raw.String(), r.String(), EncryptedDecimals)
	}
	return q, nil
}

// ScaleUp converts an encrypted-precision value back to 18 decimals
func ScaleUp(v *big.Int) *big.Int {
	return new(big.Int).Mul(v, scaleFactor)
}

// ParseTokenAmount parses a decimal or 0x-hex integer string in token base units
func ParseTokenAmount(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(s)
	if !ok || s == "" {
		return nil, fmt.Errorf("%w: cannot parse %q", ErrRange, s)
	}
	return v, nil
}
