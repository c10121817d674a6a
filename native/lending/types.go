package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Market captures the accounting state for one listed asset. Amounts are in
// the asset's native decimals.
type Market struct {
	Asset  common.Address
	Listed bool
	// Decimals is captured from the asset at listing time.
	Decimals uint8
	// TotalSupply is the aggregate supplier claim including credited interest.
	TotalSupply *uint256.Int
	// TotalBorrows is the aggregate outstanding debt including accrued interest.
	TotalBorrows *uint256.Int
	// TotalReserves accumulates the protocol share of interest. Reserves stay
	// in the pool as lendable cash until withdrawn by the owner.
	TotalReserves *uint256.Int
	// SupplyIndex and BorrowIndex convert scaled position balances into
	// underlying amounts. Both are RAY scaled and start at one.
	SupplyIndex *uint256.Int
	BorrowIndex *uint256.Int
	// LastUpdate is the unix time in seconds of the last accrual.
	LastUpdate       uint64
	ReserveFactorBps uint64
	RateModel        InterestRateModel
}

// Clone returns a deep copy of the market. The rate model is shared since
// models are immutable once listed.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.TotalSupply = orZero(m.TotalSupply).Clone()
	clone.TotalBorrows = orZero(m.TotalBorrows).Clone()
	clone.TotalReserves = orZero(m.TotalReserves).Clone()
	clone.SupplyIndex = orZero(m.SupplyIndex).Clone()
	clone.BorrowIndex = orZero(m.BorrowIndex).Clone()
	return &clone
}

// Cash reports the underlying held by the pool: supply plus reserves minus
// borrows.
func (m *Market) Cash() *uint256.Int {
	held := new(uint256.Int).Add(orZero(m.TotalSupply), orZero(m.TotalReserves))
	return saturatingSub(held, m.TotalBorrows)
}

// Position is a user's stake in one market, stored as index-scaled balances.
type Position struct {
	ScaledSupply *uint256.Int
	ScaledBorrow *uint256.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	return &Position{
		ScaledSupply: orZero(p.ScaledSupply).Clone(),
		ScaledBorrow: orZero(p.ScaledBorrow).Clone(),
	}
}

// IsEmpty reports whether the position carries neither supply nor debt.
func (p *Position) IsEmpty() bool {
	return p == nil || (orZero(p.ScaledSupply).IsZero() && orZero(p.ScaledBorrow).IsZero())
}

// PositionView is the underlying-denominated view of a position.
type PositionView struct {
	Supplied *uint256.Int
	Borrowed *uint256.Int
}

// AccountValuation summarises an account's USD exposure. USD values are WAD
// scaled.
type AccountValuation struct {
	CollateralUSD     *uint256.Int
	BorrowingPowerUSD *uint256.Int
	BorrowedUSD       *uint256.Int
	HealthFactorBps   *uint256.Int
}
