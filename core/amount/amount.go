// Package amount converts between human-readable decimal strings and the
// integer base units used by the lending ledger.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/holiman/uint256"
)

// SecondsPerYear is the annualisation basis for rate conversions.
const SecondsPerYear = 365 * 24 * 60 * 60

// WADDecimals is the precision of prices, USD values and rates.
const WADDecimals = 18

var (
	ErrInvalidAmount = errors.New("amount: invalid decimal")
	ErrNegative      = errors.New("amount: negative value")
	ErrPrecision     = errors.New("amount: too many fractional digits")
	ErrOverflow      = errors.New("amount: value exceeds 256 bits")
)

// ParseUnits parses a decimal such as "2.625" into base units with the given
// number of decimals. Fractional digits beyond the precision are rejected
// rather than truncated.
func ParseUnits(value string, decimals uint8) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, _, err := apd.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if d.Form != apd.Finite {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if d.Negative && !d.IsZero() {
		return nil, fmt.Errorf("%w: %q", ErrNegative, value)
	}
	reduced, _ := new(apd.Decimal).Reduce(d)
	shift := int64(reduced.Exponent) + int64(decimals)
	if shift < 0 {
		return nil, fmt.Errorf("%w: %q at %d decimals", ErrPrecision, value, decimals)
	}
	if shift > 78 {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, value)
	}
	coeff := new(big.Int).Abs(reduced.Coeff.MathBigInt())
	coeff.Mul(coeff, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	out, overflow := uint256.FromBig(coeff)
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, value)
	}
	return out, nil
}

// MustParseUnits is ParseUnits for constants known to be valid.
func MustParseUnits(value string, decimals uint8) *uint256.Int {
	out, err := ParseUnits(value, decimals)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatUnits renders base units as a decimal string without trailing zeros.
func FormatUnits(value *uint256.Int, decimals uint8) string {
	if value == nil || value.IsZero() {
		return "0"
	}
	coeff := new(apd.BigInt).SetMathBigInt(value.ToBig())
	d := apd.NewWithBigInt(coeff, -int32(decimals))
	reduced, _ := new(apd.Decimal).Reduce(d)
	return reduced.Text('f')
}

// RatePerSecondFromAPR converts an annual rate such as "0.05" into a WAD
// scaled per-second rate, rounding down.
func RatePerSecondFromAPR(apr string) (*uint256.Int, error) {
	annual, err := ParseUnits(apr, WADDecimals)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(annual, uint256.NewInt(SecondsPerYear)), nil
}

// APRFromRatePerSecond is the inverse of RatePerSecondFromAPR and is used for
// display.
func APRFromRatePerSecond(rate *uint256.Int) string {
	if rate == nil {
		return "0"
	}
	annual, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(SecondsPerYear))
	if overflow {
		return "overflow"
	}
	return FormatUnits(annual, WADDecimals)
}
