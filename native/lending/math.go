package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// wad is the 18-decimal fixed-point unit used for USD values, prices and
	// per-second rates.
	wad = uint256.NewInt(1_000_000_000_000_000_000)
	// ray is the 27-decimal unit used by the supply and borrow indexes.
	ray         = new(uint256.Int).Mul(wad, uint256.NewInt(1_000_000_000))
	basisPoints = uint256.NewInt(10_000)
	ten         = uint256.NewInt(10)
)

// maxDecimals bounds token precision so 10^decimals fits in 256 bits with
// headroom for price multiplication.
const maxDecimals = 36

// WAD returns a copy of the 1e18 fixed-point unit.
func WAD() *uint256.Int { return wad.Clone() }

// RAY returns a copy of the 1e27 index unit.
func RAY() *uint256.Int { return ray.Clone() }

// MaxHealthFactor is reported for accounts carrying no debt.
func MaxHealthFactor() *uint256.Int { return new(uint256.Int).SetAllOne() }

func zero() *uint256.Int { return new(uint256.Int) }

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero()
	}
	return v
}

func bps(v uint64) *uint256.Int { return uint256.NewInt(v) }

func checkedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

func checkedSub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(orZero(x), orZero(y))
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// saturatingSub clamps aggregate dust at zero. Aggregates are sums of
// individually floored balances and may trail a position by a few units.
func saturatingSub(x, y *uint256.Int) *uint256.Int {
	x, y = orZero(x), orZero(y)
	if x.Lt(y) {
		return zero()
	}
	return new(uint256.Int).Sub(x, y)
}

func checkedMul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(orZero(x), orZero(y))
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDiv returns floor(x*y/d) using a 512-bit intermediate.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d == nil || d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(orZero(x), orZero(y), d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// mulDivUp returns ceil(x*y/d).
func mulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(orZero(x), orZero(y), d).IsZero() {
		return z, nil
	}
	return checkedAdd(z, uint256.NewInt(1))
}

func minInt(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// pow10 returns 10^decimals.
func pow10(decimals uint8) (*uint256.Int, error) {
	if decimals > maxDecimals {
		return nil, fmt.Errorf("%w: %d decimals exceeds %d", ErrInvalidArgument, decimals, maxDecimals)
	}
	return new(uint256.Int).Exp(ten, uint256.NewInt(uint64(decimals))), nil
}
