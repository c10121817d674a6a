package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/events"
)

// LiquidationRequest names the borrower to liquidate and the assets involved.
// CollateralAssets and DebtAssets extend the eligibility check beyond the
// markets the borrower already participates in.
type LiquidationRequest struct {
	Liquidator       common.Address
	Borrower         common.Address
	RepayAsset       common.Address
	SeizeAsset       common.Address
	RepayAmount      *uint256.Int
	CollateralAssets []common.Address
	DebtAssets       []common.Address
}

// LiquidationResult reports the debt actually repaid and the collateral
// transferred to the liquidator.
type LiquidationResult struct {
	Repaid *uint256.Int
	Seized *uint256.Int
}

// Liquidate repays part of an unhealthy borrower's debt in exchange for a
// bonus-weighted share of their supplied collateral. The repayment is capped by
// the close factor and the seized amount rounds up. The call fails with
// ErrInsufficientCollateral rather than seizing less than the entitlement.
func (e *Engine) Liquidate(req LiquidationRequest) (LiquidationResult, error) {
	var result LiquidationResult
	err := e.execute(ActionLiquidate, func(op *operation) error {
		if err := requirePositive(req.RepayAmount); err != nil {
			return err
		}
		repayMarket, err := op.market(req.RepayAsset)
		if err != nil {
			return err
		}
		seizeMarket, err := op.market(req.SeizeAsset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}

		debtPos, err := op.position(req.Borrower, req.RepayAsset)
		if err != nil {
			return err
		}
		debt, err := underlying(debtPos.ScaledBorrow, repayMarket.BorrowIndex)
		if err != nil {
			return err
		}
		if debt.IsZero() {
			return ErrNoDebt
		}

		universe, err := op.accountUniverse(req.Borrower, req.CollateralAssets, req.DebtAssets)
		if err != nil {
			return err
		}
		health, err := op.summary(req.Borrower, universe, universe)
		if err != nil {
			return err
		}
		if !health.HealthFactorBps.Lt(basisPoints) {
			return ErrNotEligible
		}

		params := e.risk.Liquidation
		maxRepay, err := mulDiv(debt, bps(params.CloseFactorBps), basisPoints)
		if err != nil {
			return err
		}
		repay := minInt(req.RepayAmount, maxRepay)
		if repay.IsZero() {
			return fmt.Errorf("%w: repay amount rounds to zero", ErrInvalidArgument)
		}

		repayUSD, err := op.valueUSD(repayMarket, repay)
		if err != nil {
			return err
		}
		seizeUSD, err := mulDiv(repayUSD, bps(params.LiquidationBonusBps), basisPoints)
		if err != nil {
			return err
		}
		seizePrice, err := op.price(req.SeizeAsset)
		if err != nil {
			return err
		}
		unit, err := pow10(seizeMarket.Decimals)
		if err != nil {
			return err
		}
		seize, err := mulDivUp(seizeUSD, unit, seizePrice)
		if err != nil {
			return err
		}

		collateralPos, err := op.position(req.Borrower, req.SeizeAsset)
		if err != nil {
			return err
		}
		available, err := underlying(collateralPos.ScaledSupply, seizeMarket.SupplyIndex)
		if err != nil {
			return err
		}
		if available.Lt(seize) {
			return ErrInsufficientCollateral
		}

		if _, err := op.reduceDebt(repayMarket, debtPos, repay); err != nil {
			return err
		}
		op.setPosition(req.Borrower, req.RepayAsset, debtPos)

		moved, err := scaledUp(seize, seizeMarket.SupplyIndex)
		if err != nil {
			return err
		}
		if seize.Eq(available) || moved.Gt(collateralPos.ScaledSupply) {
			moved = collateralPos.ScaledSupply.Clone()
		}
		if collateralPos.ScaledSupply, err = checkedSub(collateralPos.ScaledSupply, moved); err != nil {
			return err
		}
		op.setPosition(req.Borrower, req.SeizeAsset, collateralPos)
		liquidatorPos, err := op.position(req.Liquidator, req.SeizeAsset)
		if err != nil {
			return err
		}
		if liquidatorPos.ScaledSupply, err = checkedAdd(liquidatorPos.ScaledSupply, moved); err != nil {
			return err
		}
		op.setPosition(req.Liquidator, req.SeizeAsset, liquidatorPos)

		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Pull(req.RepayAsset, req.Liquidator, repay); err != nil {
			return fmt.Errorf("lending engine: pull liquidation repayment: %w", err)
		}
		result = LiquidationResult{Repaid: repay, Seized: seize}
		op.emit(events.LendingLiquidation{
			Liquidator:  req.Liquidator,
			Borrower:    req.Borrower,
			RepayAsset:  req.RepayAsset,
			SeizeAsset:  req.SeizeAsset,
			RepayAmount: repay.Clone(),
			SeizeAmount: seize.Clone(),
		})
		return nil
	})
	if err != nil {
		return LiquidationResult{}, err
	}
	return result, nil
}
