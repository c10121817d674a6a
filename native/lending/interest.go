package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InterestRateModel maps market utilisation to a per-second borrow rate. Both
// values are WAD scaled. Implementations must return non-negative rates that
// never decrease as utilisation grows.
type InterestRateModel interface {
	BorrowRatePerSecond(utilisation *uint256.Int) (*uint256.Int, error)
}

// LinearRateModel charges base + slope·u per second.
type LinearRateModel struct {
	Base  *uint256.Int
	Slope *uint256.Int
}

// NewLinearRateModel constructs a linear model from per-second WAD values.
func NewLinearRateModel(base, slope *uint256.Int) *LinearRateModel {
	return &LinearRateModel{Base: orZero(base).Clone(), Slope: orZero(slope).Clone()}
}

func (m *LinearRateModel) BorrowRatePerSecond(utilisation *uint256.Int) (*uint256.Int, error) {
	if m == nil {
		return zero(), nil
	}
	variable, err := mulDiv(m.Slope, utilisation, wad)
	if err != nil {
		return nil, err
	}
	return checkedAdd(m.Base, variable)
}

// KinkedRateModel increases the borrow rate along Slope1 until utilisation
// reaches Kink and along the steeper Slope2 beyond it, pushing utilisation back
// below the kink when liquidity runs short.
type KinkedRateModel struct {
	// Base is the per-second rate applied when utilisation is zero.
	Base *uint256.Int
	// Slope1 is the rate increase per unit of utilisation up to the kink.
	Slope1 *uint256.Int
	// Slope2 is the rate increase per unit of utilisation past the kink.
	Slope2 *uint256.Int
	// Kink is the WAD utilisation where the slope changes.
	Kink *uint256.Int
}

func (m *KinkedRateModel) BorrowRatePerSecond(utilisation *uint256.Int) (*uint256.Int, error) {
	if m == nil {
		return zero(), nil
	}
	u := orZero(utilisation)
	kink := orZero(m.Kink)
	if kink.IsZero() || !u.Gt(kink) {
		variable, err := mulDiv(m.Slope1, u, wad)
		if err != nil {
			return nil, err
		}
		return checkedAdd(m.Base, variable)
	}
	atKink, err := mulDiv(m.Slope1, kink, wad)
	if err != nil {
		return nil, err
	}
	excess := new(uint256.Int).Sub(u, kink)
	jump, err := mulDiv(m.Slope2, excess, wad)
	if err != nil {
		return nil, err
	}
	rate, err := checkedAdd(m.Base, atKink)
	if err != nil {
		return nil, err
	}
	return checkedAdd(rate, jump)
}

// Validate rejects kinks above 100% utilisation.
func (m *KinkedRateModel) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil rate model", ErrInvalidArgument)
	}
	if orZero(m.Kink).Gt(wad) {
		return fmt.Errorf("%w: kink above 100%% utilisation", ErrInvalidArgument)
	}
	return nil
}

// Utilisation computes totalBorrows·WAD / totalSupply. An empty market reports
// zero.
func Utilisation(totalBorrows, totalSupply *uint256.Int) (*uint256.Int, error) {
	if totalSupply == nil || totalSupply.IsZero() || totalBorrows == nil || totalBorrows.IsZero() {
		return zero(), nil
	}
	return mulDiv(totalBorrows, wad, totalSupply)
}

// SupplyRatePerSecond derives the per-second rate earned by suppliers:
// borrowRate · u · (1 − reserveFactor).
func SupplyRatePerSecond(model InterestRateModel, totalBorrows, totalSupply *uint256.Int, reserveFactorBps uint64) (*uint256.Int, error) {
	if model == nil || reserveFactorBps >= 10_000 {
		return zero(), nil
	}
	u, err := Utilisation(totalBorrows, totalSupply)
	if err != nil {
		return nil, err
	}
	if u.IsZero() {
		return zero(), nil
	}
	borrowRate, err := model.BorrowRatePerSecond(u)
	if err != nil {
		return nil, err
	}
	gross, err := mulDiv(borrowRate, u, wad)
	if err != nil {
		return nil, err
	}
	return mulDiv(gross, bps(10_000-reserveFactorBps), basisPoints)
}
