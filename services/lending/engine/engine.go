package engine

import (
	"context"
)

// Engine describes the operations required by the lending HTTP surface.
// Addresses are hex strings, assets are symbols or hex addresses and amounts
// are decimal strings in the asset's own units.
type Engine interface {
	Deposit(ctx context.Context, caller, asset, amount string) error
	Withdraw(ctx context.Context, caller, asset, amount string, collateral, debt []string) error
	Borrow(ctx context.Context, caller, asset, amount string, collateral []string) error
	Repay(ctx context.Context, caller, asset, amount, onBehalfOf string) (string, error)
	Liquidate(ctx context.Context, req LiquidateRequest) (LiquidationOutcome, error)

	GetMarket(ctx context.Context, asset string) (Market, error)
	ListMarkets(ctx context.Context) ([]Market, error)
	GetPosition(ctx context.Context, user, asset string) (Position, error)
	GetValuation(ctx context.Context, user string, collateral, debt []string) (Valuation, error)

	ListMarket(ctx context.Context, caller string, req ListMarketRequest) error
	WithdrawReserves(ctx context.Context, caller, asset, amount, to string) error
	SetPrice(ctx context.Context, caller, asset, price string) error
	Mint(ctx context.Context, caller, asset, to, amount string) error
	Approve(ctx context.Context, caller, asset, amount string) error
}

// Market is the rendered snapshot of one listed market.
type Market struct {
	Asset                   string `json:"asset"`
	Symbol                  string `json:"symbol"`
	Decimals                uint8  `json:"decimals"`
	TotalSupply             string `json:"totalSupply"`
	TotalBorrows            string `json:"totalBorrows"`
	TotalReserves           string `json:"totalReserves"`
	Cash                    string `json:"cash"`
	SupplyIndex             string `json:"supplyIndex"`
	BorrowIndex             string `json:"borrowIndex"`
	Utilisation             string `json:"utilisation"`
	BorrowRatePerSecond     string `json:"borrowRatePerSecond"`
	SupplyRatePerSecond     string `json:"supplyRatePerSecond"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps"`
	LTVBps                  uint64 `json:"ltvBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LastUpdate              uint64 `json:"lastUpdate"`
}

// Position reports one account's balances in a market.
type Position struct {
	User     string `json:"user"`
	Asset    string `json:"asset"`
	Supplied string `json:"supplied"`
	Borrowed string `json:"borrowed"`
}

// Valuation summarises an account across the requested assets. USD values
// carry 18 fractional digits; HealthFactorBps is "max" without debt.
type Valuation struct {
	User              string `json:"user"`
	CollateralUSD     string `json:"collateralUsd"`
	BorrowingPowerUSD string `json:"borrowingPowerUsd"`
	BorrowedUSD       string `json:"borrowedUsd"`
	HealthFactorBps   string `json:"healthFactorBps"`
	Liquidatable      bool   `json:"liquidatable"`
}

// LiquidateRequest names the borrower and the markets involved.
type LiquidateRequest struct {
	Liquidator string
	Borrower   string
	RepayAsset string
	SeizeAsset string
	Amount     string
	Collateral []string
	Debt       []string
}

// LiquidationOutcome reports what a liquidation repaid and seized.
type LiquidationOutcome struct {
	Repaid string `json:"repaid"`
	Seized string `json:"seized"`
}

// ListMarketRequest carries the owner's listing parameters. Rates follow the
// genesis configuration format.
type ListMarketRequest struct {
	Asset                   string
	Symbol                  string
	Decimals                uint8
	PriceUSD                string
	ReserveFactorBps        uint64
	LTVBps                  uint64
	LiquidationThresholdBps uint64
	RateModel               RateModel
}

// RateModel mirrors the genesis rate model section.
type RateModel struct {
	Kind            string
	BasePerSecond   string
	SlopePerSecond  string
	Slope2PerSecond string
	BaseAPR         string
	SlopeAPR        string
	Slope2APR       string
	Kink            string
}
