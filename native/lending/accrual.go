package lending

import (
	"github.com/holiman/uint256"
)

// accrueMarket folds the interest owed since market.LastUpdate into the
// borrow and supply indexes. It mutates market in place and is a no-op when no
// time has elapsed, so repeated calls for the same timestamp are idempotent.
func accrueMarket(market *Market, now uint64) error {
	if market == nil || now <= market.LastUpdate {
		return nil
	}
	elapsed := now - market.LastUpdate
	market.LastUpdate = now

	borrows := orZero(market.TotalBorrows)
	if borrows.IsZero() || market.RateModel == nil {
		return nil
	}
	supply := orZero(market.TotalSupply)

	utilisation, err := Utilisation(borrows, supply)
	if err != nil {
		return err
	}
	rate, err := market.RateModel.BorrowRatePerSecond(utilisation)
	if err != nil {
		return err
	}
	if rate.IsZero() {
		return nil
	}
	rateOverPeriod, err := checkedMul(rate, uint256.NewInt(elapsed))
	if err != nil {
		return err
	}
	interest, err := mulDiv(borrows, rateOverPeriod, wad)
	if err != nil {
		return err
	}
	if interest.IsZero() {
		return nil
	}

	newBorrows, err := checkedAdd(borrows, interest)
	if err != nil {
		return err
	}
	borrowIndex, err := mulDiv(market.BorrowIndex, newBorrows, borrows)
	if err != nil {
		return err
	}

	reserve, err := mulDiv(interest, bps(market.ReserveFactorBps), basisPoints)
	if err != nil {
		return err
	}
	supplierShare := new(uint256.Int).Sub(interest, reserve)
	if supply.IsZero() {
		// Nobody to credit; the whole interest accrues to reserves.
		reserve, supplierShare = interest, zero()
	}
	if !supplierShare.IsZero() {
		newSupply, err := checkedAdd(supply, supplierShare)
		if err != nil {
			return err
		}
		supplyIndex, err := mulDiv(market.SupplyIndex, newSupply, supply)
		if err != nil {
			return err
		}
		market.SupplyIndex = supplyIndex
		market.TotalSupply = newSupply
	}
	reserves, err := checkedAdd(market.TotalReserves, reserve)
	if err != nil {
		return err
	}

	market.BorrowIndex = borrowIndex
	market.TotalBorrows = newBorrows
	market.TotalReserves = reserves
	return nil
}

// underlying converts a scaled balance into its current underlying amount,
// rounding down.
func underlying(scaled, index *uint256.Int) (*uint256.Int, error) {
	if scaled == nil || scaled.IsZero() {
		return zero(), nil
	}
	return mulDiv(scaled, index, ray)
}

func scaledDown(amount, index *uint256.Int) (*uint256.Int, error) {
	return mulDiv(amount, ray, index)
}

func scaledUp(amount, index *uint256.Int) (*uint256.Int, error) {
	return mulDivUp(amount, ray, index)
}
