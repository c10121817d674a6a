package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/types"
)

const (
	// TypeLendingDeposit is emitted when a supplier adds liquidity to a market.
	TypeLendingDeposit = "lending.deposit"
	// TypeLendingWithdraw is emitted when a supplier removes liquidity.
	TypeLendingWithdraw = "lending.withdraw"
	// TypeLendingBorrow is emitted when an account draws debt from a market.
	TypeLendingBorrow = "lending.borrow"
	// TypeLendingRepay is emitted when debt is repaid, possibly by a third party.
	TypeLendingRepay = "lending.repay"
	// TypeLendingLiquidation is emitted when an undercollateralized borrower is
	// liquidated.
	TypeLendingLiquidation = "lending.liquidation"
	// TypeLendingMarketListed is emitted when the owner lists a new market.
	TypeLendingMarketListed = "lending.market_listed"
	// TypeLendingReservesWithdrawn is emitted when the owner sweeps reserves.
	TypeLendingReservesWithdrawn = "lending.reserves_withdrawn"
)

type LendingDeposit struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (LendingDeposit) EventType() string { return TypeLendingDeposit }

func (e LendingDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingDeposit,
		Attributes: map[string]string{
			"user":   formatAddress(e.User),
			"asset":  formatAddress(e.Asset),
			"amount": formatAmount(e.Amount),
		},
	}
}

type LendingWithdraw struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (LendingWithdraw) EventType() string { return TypeLendingWithdraw }

func (e LendingWithdraw) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingWithdraw,
		Attributes: map[string]string{
			"user":   formatAddress(e.User),
			"asset":  formatAddress(e.Asset),
			"amount": formatAmount(e.Amount),
		},
	}
}

type LendingBorrow struct {
	User   common.Address
	Asset  common.Address
	Amount *uint256.Int
}

func (LendingBorrow) EventType() string { return TypeLendingBorrow }

func (e LendingBorrow) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBorrow,
		Attributes: map[string]string{
			"user":   formatAddress(e.User),
			"asset":  formatAddress(e.Asset),
			"amount": formatAmount(e.Amount),
		},
	}
}

// LendingRepay records the amount actually applied to OnBehalfOf's debt, which
// may be less than what the payer offered.
type LendingRepay struct {
	Payer      common.Address
	OnBehalfOf common.Address
	Asset      common.Address
	Amount     *uint256.Int
}

func (LendingRepay) EventType() string { return TypeLendingRepay }

func (e LendingRepay) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingRepay,
		Attributes: map[string]string{
			"payer":      formatAddress(e.Payer),
			"onBehalfOf": formatAddress(e.OnBehalfOf),
			"asset":      formatAddress(e.Asset),
			"amount":     formatAmount(e.Amount),
		},
	}
}

type LendingLiquidation struct {
	Liquidator  common.Address
	Borrower    common.Address
	RepayAsset  common.Address
	SeizeAsset  common.Address
	RepayAmount *uint256.Int
	SeizeAmount *uint256.Int
}

func (LendingLiquidation) EventType() string { return TypeLendingLiquidation }

func (e LendingLiquidation) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingLiquidation,
		Attributes: map[string]string{
			"liquidator":  formatAddress(e.Liquidator),
			"borrower":    formatAddress(e.Borrower),
			"repayAsset":  formatAddress(e.RepayAsset),
			"seizeAsset":  formatAddress(e.SeizeAsset),
			"repayAmount": formatAmount(e.RepayAmount),
			"seizeAmount": formatAmount(e.SeizeAmount),
		},
	}
}

type LendingMarketListed struct {
	Asset            common.Address
	Decimals         uint8
	ReserveFactorBps uint64
}

func (LendingMarketListed) EventType() string { return TypeLendingMarketListed }

func (e LendingMarketListed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingMarketListed,
		Attributes: map[string]string{
			"asset":            formatAddress(e.Asset),
			"decimals":         formatUint(uint64(e.Decimals)),
			"reserveFactorBps": formatUint(e.ReserveFactorBps),
		},
	}
}

type LendingReservesWithdrawn struct {
	Asset  common.Address
	To     common.Address
	Amount *uint256.Int
}

func (LendingReservesWithdrawn) EventType() string { return TypeLendingReservesWithdrawn }

func (e LendingReservesWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingReservesWithdrawn,
		Attributes: map[string]string{
			"asset":  formatAddress(e.Asset),
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}
