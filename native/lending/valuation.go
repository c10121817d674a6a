package lending

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func (op *operation) price(asset common.Address) (*uint256.Int, error) {
	prices := op.engine.prices
	if prices == nil {
		return nil, fmt.Errorf("%w: no price provider", ErrPriceUnavailable)
	}
	price, err := prices.GetPrice(asset)
	if err != nil {
		if errors.Is(err, ErrOracle) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, asset.Hex(), err)
	}
	if price == nil || price.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, asset.Hex())
	}
	return price, nil
}

// valueUSD converts amount of market's asset into WAD-scaled USD, rounding
// down.
func (op *operation) valueUSD(market *Market, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return zero(), nil
	}
	price, err := op.price(market.Asset)
	if err != nil {
		return nil, err
	}
	unit, err := pow10(market.Decimals)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, price, unit)
}

// debtUSD sums the value of user's debt across assets. Zero balances are
// skipped without consulting the oracle.
func (op *operation) debtUSD(user common.Address, assets []common.Address) (*uint256.Int, error) {
	total := zero()
	for _, asset := range dedupe(assets) {
		market, err := op.market(asset)
		if err != nil {
			return nil, err
		}
		view, err := op.positionView(market, user)
		if err != nil {
			return nil, err
		}
		value, err := op.valueUSD(market, view.Borrowed)
		if err != nil {
			return nil, err
		}
		if total, err = checkedAdd(total, value); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// collateralUSD values user's supply across assets and returns the raw,
// LTV-weighted and threshold-weighted totals.
func (op *operation) collateralUSD(user common.Address, assets []common.Address) (value, power, atThreshold *uint256.Int, err error) {
	value, power, atThreshold = zero(), zero(), zero()
	for _, asset := range dedupe(assets) {
		market, err := op.market(asset)
		if err != nil {
			return nil, nil, nil, err
		}
		view, err := op.positionView(market, user)
		if err != nil {
			return nil, nil, nil, err
		}
		supplied, err := op.valueUSD(market, view.Supplied)
		if err != nil {
			return nil, nil, nil, err
		}
		if supplied.IsZero() {
			continue
		}
		cfg := op.engine.risk.Collateral[asset]
		weighted, err := mulDiv(supplied, bps(cfg.LTVBps), basisPoints)
		if err != nil {
			return nil, nil, nil, err
		}
		threshold, err := mulDiv(supplied, bps(cfg.LiquidationThresholdBps), basisPoints)
		if err != nil {
			return nil, nil, nil, err
		}
		if value, err = checkedAdd(value, supplied); err != nil {
			return nil, nil, nil, err
		}
		if power, err = checkedAdd(power, weighted); err != nil {
			return nil, nil, nil, err
		}
		if atThreshold, err = checkedAdd(atThreshold, threshold); err != nil {
			return nil, nil, nil, err
		}
	}
	return value, power, atThreshold, nil
}

// healthFactor reports threshold-weighted collateral over debt in basis
// points. Debt is valued first; without debt the result is MaxHealthFactor
// and no collateral price is read.
func (op *operation) healthFactor(user common.Address, collateralAssets, debtAssets []common.Address) (*uint256.Int, error) {
	debt, err := op.debtUSD(user, debtAssets)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return MaxHealthFactor(), nil
	}
	_, _, atThreshold, err := op.collateralUSD(user, collateralAssets)
	if err != nil {
		return nil, err
	}
	return mulDiv(atThreshold, basisPoints, debt)
}

// summary values user's supply across collateralAssets and debt across
// debtAssets.
func (op *operation) summary(user common.Address, collateralAssets, debtAssets []common.Address) (*AccountValuation, error) {
	debt, err := op.debtUSD(user, debtAssets)
	if err != nil {
		return nil, err
	}
	value, power, atThreshold, err := op.collateralUSD(user, collateralAssets)
	if err != nil {
		return nil, err
	}
	out := &AccountValuation{
		CollateralUSD:     value,
		BorrowingPowerUSD: power,
		BorrowedUSD:       debt,
		HealthFactorBps:   MaxHealthFactor(),
	}
	if debt.IsZero() {
		return out, nil
	}
	if out.HealthFactorBps, err = mulDiv(atThreshold, basisPoints, debt); err != nil {
		return nil, err
	}
	return out, nil
}

// BorrowingPowerUSD sums supply value weighted by LTV over exactly the named
// assets.
func (e *Engine) BorrowingPowerUSD(user common.Address, assets []common.Address) (*uint256.Int, error) {
	summary, err := e.Valuation(user, assets, nil)
	if err != nil {
		return nil, err
	}
	return summary.BorrowingPowerUSD, nil
}

// BorrowedUSD sums debt value over exactly the named assets.
func (e *Engine) BorrowedUSD(user common.Address, assets []common.Address) (*uint256.Int, error) {
	summary, err := e.Valuation(user, nil, assets)
	if err != nil {
		return nil, err
	}
	return summary.BorrowedUSD, nil
}

// HealthFactorBps reports threshold-weighted collateral over debt in basis
// points. Accounts without debt report MaxHealthFactor.
func (e *Engine) HealthFactorBps(user common.Address, collateralAssets, debtAssets []common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.view(func(op *operation) error {
		hf, err := op.healthFactor(user, collateralAssets, debtAssets)
		out = hf
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Valuation returns the full USD summary for user over the named assets.
func (e *Engine) Valuation(user common.Address, collateralAssets, debtAssets []common.Address) (*AccountValuation, error) {
	var out *AccountValuation
	err := e.view(func(op *operation) error {
		summary, err := op.summary(user, collateralAssets, debtAssets)
		out = summary
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValueUSD prices amount of asset in WAD-scaled USD, rounding down.
func (e *Engine) ValueUSD(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var out *uint256.Int
	err := e.view(func(op *operation) error {
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		out, err = op.valueUSD(market, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
