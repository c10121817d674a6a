package server

import (
	"context"

	"lendingcore/services/lending/engine"
)

// fakeEngine returns canned results. Unset hooks succeed with zero values.
type fakeEngine struct {
	depositFn   func(ctx context.Context, caller, asset, amount string) error
	repayFn     func(ctx context.Context, caller, asset, amount, onBehalfOf string) (string, error)
	liquidateFn func(ctx context.Context, req engine.LiquidateRequest) (engine.LiquidationOutcome, error)
	getMarketFn func(ctx context.Context, asset string) (engine.Market, error)
}

var _ engine.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Deposit(ctx context.Context, caller, asset, amount string) error {
	if f != nil && f.depositFn != nil {
		return f.depositFn(ctx, caller, asset, amount)
	}
	return nil
}

func (f *fakeEngine) Withdraw(context.Context, string, string, string, []string, []string) error {
	return nil
}

func (f *fakeEngine) Borrow(context.Context, string, string, string, []string) error {
	return nil
}

func (f *fakeEngine) Repay(ctx context.Context, caller, asset, amount, onBehalfOf string) (string, error) {
	if f != nil && f.repayFn != nil {
		return f.repayFn(ctx, caller, asset, amount, onBehalfOf)
	}
	return "0", nil
}

func (f *fakeEngine) Liquidate(ctx context.Context, req engine.LiquidateRequest) (engine.LiquidationOutcome, error) {
	if f != nil && f.liquidateFn != nil {
		return f.liquidateFn(ctx, req)
	}
	return engine.LiquidationOutcome{}, nil
}

func (f *fakeEngine) GetMarket(ctx context.Context, asset string) (engine.Market, error) {
	if f != nil && f.getMarketFn != nil {
		return f.getMarketFn(ctx, asset)
	}
	return engine.Market{}, nil
}

func (f *fakeEngine) ListMarkets(context.Context) ([]engine.Market, error) {
	return nil, nil
}

func (f *fakeEngine) GetPosition(context.Context, string, string) (engine.Position, error) {
	return engine.Position{}, nil
}

func (f *fakeEngine) GetValuation(context.Context, string, []string, []string) (engine.Valuation, error) {
	return engine.Valuation{}, nil
}

func (f *fakeEngine) ListMarket(context.Context, string, engine.ListMarketRequest) error {
	return nil
}

func (f *fakeEngine) WithdrawReserves(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeEngine) SetPrice(context.Context, string, string, string) error {
	return nil
}

func (f *fakeEngine) Mint(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeEngine) Approve(context.Context, string, string, string) error {
	return nil
}
