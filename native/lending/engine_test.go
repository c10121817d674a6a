package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/events"
)

func TestListMarketRules(t *testing.T) {
	f := newFixture(t)
	model := NewLinearRateModel(nil, slopePerSecond)

	if err := f.engine.ListMarket(owner, weth, model, 1_000); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
	dai := makeAddress(0xD1)
	if err := f.ledger.Register(dai, "DAI", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.engine.ListMarket(user1, dai, model, 1_000); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.ListMarket(owner, dai, model, 10_001); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for reserve factor, got %v", err)
	}
	if err := f.engine.ListMarket(owner, dai, nil, 1_000); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nil model, got %v", err)
	}
	if err := f.engine.ListMarket(owner, dai, model, 500); err != nil {
		t.Fatalf("list dai: %v", err)
	}
	m := f.market(dai)
	if !m.Listed || m.Decimals != 18 || m.ReserveFactorBps != 500 || !m.SupplyIndex.Eq(RAY()) {
		t.Fatalf("unexpected listed market: %+v", m)
	}
	if len(f.emitted) != 1 || f.emitted[0].EventType() != events.TypeLendingMarketListed {
		t.Fatalf("expected one market listed event, got %v", f.emitted)
	}
	assets, err := f.engine.Markets()
	if err != nil || len(assets) != 3 || assets[2] != dai {
		t.Fatalf("unexpected markets %v (%v)", assets, err)
	}
}

func TestDepositWithdrawTracksNetDeposits(t *testing.T) {
	f := newFixture(t)
	f.deposit(user1, weth, "5")
	f.deposit(user2, weth, "3")

	if got := f.supplied(user1, weth); !got.Eq(f.units(weth, "5")) {
		t.Fatalf("expected 5 WETH supplied, got %s", got.Dec())
	}
	if got := f.market(weth).TotalSupply; !got.Eq(f.units(weth, "8")) {
		t.Fatalf("expected total supply 8, got %s", got.Dec())
	}
	if got := f.balance(pool, weth); !got.Eq(f.units(weth, "8")) {
		t.Fatalf("expected custody 8, got %s", got.Dec())
	}

	if err := f.engine.Withdraw(user1, weth, f.units(weth, "2"), nil, nil); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := f.supplied(user1, weth); !got.Eq(f.units(weth, "3")) {
		t.Fatalf("expected 3 WETH supplied, got %s", got.Dec())
	}
	if got := f.market(weth).TotalSupply; !got.Eq(f.units(weth, "6")) {
		t.Fatalf("expected total supply 6, got %s", got.Dec())
	}
	if got := f.balance(user1, weth); !got.Eq(f.units(weth, "2")) {
		t.Fatalf("expected user wallet 2 WETH, got %s", got.Dec())
	}

	types := []string{}
	for _, evt := range f.emitted {
		types = append(types, evt.EventType())
	}
	want := []string{events.TypeLendingDeposit, events.TypeLendingDeposit, events.TypeLendingWithdraw}
	if len(types) != len(want) {
		t.Fatalf("unexpected events: %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("unexpected events: %v", types)
		}
	}
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Deposit(user1, weth, uint256.NewInt(0)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := f.engine.Deposit(user1, makeAddress(0x99), uint256.NewInt(1)); !errors.Is(err, ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
}

func TestDepositRollsBackWhenPullFails(t *testing.T) {
	f := newFixture(t)
	// Minted but never approved.
	if err := f.ledger.Mint(weth, user1, f.units(weth, "5")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := f.engine.Deposit(user1, weth, f.units(weth, "5")); err == nil {
		t.Fatalf("expected deposit without allowance to fail")
	}
	if got := f.supplied(user1, weth); !got.IsZero() {
		t.Fatalf("expected no supply after failed pull, got %s", got.Dec())
	}
	if got := f.market(weth).TotalSupply; !got.IsZero() {
		t.Fatalf("expected market supply unchanged, got %s", got.Dec())
	}
	if len(f.emitted) != 0 {
		t.Fatalf("expected no events, got %d", len(f.emitted))
	}
}

func TestWithdrawMoreThanSuppliedFails(t *testing.T) {
	f := newFixture(t)
	f.deposit(user1, weth, "1")
	err := f.engine.Withdraw(user1, weth, f.units(weth, "2"), nil, nil)
	if !errors.Is(err, ErrInsufficientBalance) || !errors.Is(err, ErrLiquidity) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBorrowingPowerAndBorrowLimit(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "30000")
	f.deposit(user1, weth, "5")

	power, err := f.engine.BorrowingPowerUSD(user1, []common.Address{weth})
	if err != nil {
		t.Fatalf("borrowing power: %v", err)
	}
	if !power.Eq(usd("8000")) {
		t.Fatalf("expected $8000 borrowing power, got %s", power.Dec())
	}

	err = f.engine.Borrow(user1, usdc, f.units(usdc, "9000"), []common.Address{weth})
	if !errors.Is(err, ErrExceedsBorrowPower) || !errors.Is(err, ErrSolvency) {
		t.Fatalf("expected ErrExceedsBorrowPower, got %v", err)
	}

	f.borrow(user1, usdc, "8000", weth)
	if got := f.borrowed(user1, usdc); !got.Eq(f.units(usdc, "8000")) {
		t.Fatalf("expected 8000 USDC borrowed, got %s", got.Dec())
	}
	if got := f.balance(user1, usdc); !got.Eq(f.units(usdc, "8000")) {
		t.Fatalf("expected wallet 8000 USDC, got %s", got.Dec())
	}
	debt, err := f.engine.BorrowedUSD(user1, []common.Address{usdc})
	if err != nil || !debt.Eq(usd("8000")) {
		t.Fatalf("expected $8000 debt, got %v (%v)", debt, err)
	}

	// Power is exhausted, any further borrow fails.
	if err := f.engine.Borrow(user1, usdc, f.units(usdc, "1"), []common.Address{weth}); !errors.Is(err, ErrExceedsBorrowPower) {
		t.Fatalf("expected ErrExceedsBorrowPower on exhausted power, got %v", err)
	}
}

func TestBorrowCountsTrackedCollateralAndDebt(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "30000")
	f.deposit(user1, weth, "5")
	f.borrow(user1, usdc, "7000", weth)

	// Omitting the collateral list must not let the account escape its
	// existing debt or lose its collateral.
	if err := f.engine.Borrow(user1, usdc, f.units(usdc, "1001"), nil); !errors.Is(err, ErrExceedsBorrowPower) {
		t.Fatalf("expected ErrExceedsBorrowPower, got %v", err)
	}
	f.borrow(user1, usdc, "1000")
}

func TestBorrowRequiresIdleLiquidity(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "100")
	f.deposit(user1, weth, "5")
	err := f.engine.Borrow(user1, usdc, f.units(usdc, "101"), []common.Address{weth})
	if !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestWithdrawHealthCheck(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()

	err := f.engine.Withdraw(user1, weth, f.units(weth, "4"), []common.Address{weth}, []common.Address{usdc})
	if !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
	if got := f.supplied(user1, weth); !got.Eq(f.units(weth, "5")) {
		t.Fatalf("failed withdraw changed supply: %s", got.Dec())
	}

	// Leaving out the debt list still counts the tracked debt.
	if err := f.engine.Withdraw(user1, weth, f.units(weth, "4"), nil, nil); !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized without lists, got %v", err)
	}

	if err := f.engine.Withdraw(user1, weth, f.units(weth, "0.5"), []common.Address{weth}, []common.Address{usdc}); err != nil {
		t.Fatalf("withdraw 0.5: %v", err)
	}
	if got := f.supplied(user1, weth); !got.Eq(f.units(weth, "4.5")) {
		t.Fatalf("expected 4.5 WETH supplied, got %s", got.Dec())
	}
}

func TestRepayClampsToDebt(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()
	f.fund(user1, usdc, "1000")

	repaid, err := f.engine.Repay(user1, usdc, f.units(usdc, "1000"), user1)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !repaid.Eq(f.units(usdc, "1000")) {
		t.Fatalf("expected 1000 repaid, got %s", repaid.Dec())
	}
	if got := f.borrowed(user1, usdc); !got.Eq(f.units(usdc, "6000")) {
		t.Fatalf("expected 6000 outstanding, got %s", got.Dec())
	}

	// A third party overpays on the borrower's behalf.
	f.fund(user3, usdc, "10000")
	repaid, err = f.engine.Repay(user3, usdc, f.units(usdc, "10000"), user1)
	if err != nil {
		t.Fatalf("repay on behalf: %v", err)
	}
	if !repaid.Eq(f.units(usdc, "6000")) {
		t.Fatalf("expected clamp to 6000, got %s", repaid.Dec())
	}
	if got := f.borrowed(user1, usdc); !got.IsZero() {
		t.Fatalf("expected debt cleared, got %s", got.Dec())
	}
	if got := f.balance(user3, usdc); !got.Eq(f.units(usdc, "4000")) {
		t.Fatalf("expected payer to keep 4000, got %s", got.Dec())
	}
	if got := f.market(usdc).TotalBorrows; !got.IsZero() {
		t.Fatalf("expected total borrows cleared, got %s", got.Dec())
	}

	last := f.emitted[len(f.emitted)-1].(events.LendingRepay)
	if last.Payer != user3 || last.OnBehalfOf != user1 || !last.Amount.Eq(f.units(usdc, "6000")) {
		t.Fatalf("unexpected repay event: %+v", last)
	}

	count := len(f.emitted)
	repaid, err = f.engine.Repay(user3, usdc, f.units(usdc, "1"), user1)
	if err != nil || !repaid.IsZero() {
		t.Fatalf("expected zero-debt repay to be a no-op, got %v (%v)", repaid, err)
	}
	if len(f.emitted) != count {
		t.Fatalf("expected no event for zero-debt repay")
	}
}

func TestHealthFactor(t *testing.T) {
	f := newFixture(t)
	f.deposit(user2, weth, "1")
	hf, err := f.engine.HealthFactorBps(user2, []common.Address{weth}, []common.Address{usdc})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !hf.Eq(MaxHealthFactor()) {
		t.Fatalf("expected MAX health without debt, got %s", hf.Dec())
	}

	f.borrowerSetup()
	hf, err = f.engine.HealthFactorBps(user1, []common.Address{weth}, []common.Address{usdc})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	// 5 × 2000 × 0.85 / 7000 = 1.2142857
	// Health factors floor, so 12142 rather than a rounded 12143.
	if hf.Uint64() != 12_142 {
		t.Fatalf("expected 12142 bps, got %s", hf.Dec())
	}

	if err := f.prices.SimulatePriceDrop(weth, 30); err != nil {
		t.Fatalf("drop: %v", err)
	}
	dropped, err := f.engine.HealthFactorBps(user1, []common.Address{weth}, []common.Address{usdc})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !dropped.Lt(hf) || dropped.Uint64() != 8_500 {
		t.Fatalf("expected 8500 bps after drop, got %s", dropped.Dec())
	}

	// Reads use exactly the named universe.
	partial, err := f.engine.HealthFactorBps(user1, nil, []common.Address{usdc})
	if err != nil || !partial.IsZero() {
		t.Fatalf("expected zero health when collateral omitted, got %v (%v)", partial, err)
	}
}

func TestValuationRequiresPrice(t *testing.T) {
	f := newFixture(t)
	dai := makeAddress(0xD1)
	if err := f.ledger.Register(dai, "DAI", 18); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := f.engine.ListMarket(owner, dai, NewLinearRateModel(nil, nil), 0); err != nil {
		t.Fatalf("list: %v", err)
	}
	f.deposit(user1, dai, "10")
	_, err := f.engine.BorrowingPowerUSD(user1, []common.Address{dai})
	if !errors.Is(err, ErrPriceUnavailable) || !errors.Is(err, ErrOracle) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if KindOf(err) != KindOracle || CodeOf(err) != "PRICE_UNAVAILABLE" {
		t.Fatalf("unexpected kind/code: %s/%s", KindOf(err), CodeOf(err))
	}
}

// feedOutage fails every lookup for one asset and defers the rest.
type feedOutage struct {
	PriceProvider
	down common.Address
}

func (p feedOutage) GetPrice(asset common.Address) (*uint256.Int, error) {
	if asset == p.down {
		return nil, errors.New("feed offline")
	}
	return p.PriceProvider.GetPrice(asset)
}

func TestDebtFreeAccountIgnoresCollateralPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(user1, weth, "5")
	f.engine.SetPriceProvider(feedOutage{PriceProvider: f.prices, down: weth})

	hf, err := f.engine.HealthFactorBps(user1, []common.Address{weth}, []common.Address{usdc})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !hf.Eq(MaxHealthFactor()) {
		t.Fatalf("expected MAX health without debt, got %s", hf.Dec())
	}

	if err := f.engine.Withdraw(user1, weth, f.units(weth, "1"), nil, nil); err != nil {
		t.Fatalf("withdraw during outage: %v", err)
	}
	if got := f.balance(user1, weth); got.Cmp(f.units(weth, "1")) != 0 {
		t.Fatalf("expected 1 WETH returned, got %s", got.Dec())
	}

	// Borrowing power still has to price the collateral.
	if _, err := f.engine.BorrowingPowerUSD(user1, []common.Address{weth}); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestWithdrawReservesOwnerOnly(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()
	f.advance(365 * 24 * time.Hour)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	reserves := f.market(usdc).TotalReserves
	if reserves.IsZero() {
		t.Fatalf("expected reserves after a year of interest")
	}
	if err := f.engine.WithdrawReserves(user1, usdc, reserves, user1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	tooMuch := new(uint256.Int).AddUint64(reserves, 1)
	if err := f.engine.WithdrawReserves(owner, usdc, tooMuch, owner); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	treasury := makeAddress(0x77)
	if err := f.engine.WithdrawReserves(owner, usdc, reserves, treasury); err != nil {
		t.Fatalf("withdraw reserves: %v", err)
	}
	if got := f.balance(treasury, usdc); !got.Eq(reserves) {
		t.Fatalf("expected treasury %s, got %s", reserves.Dec(), got.Dec())
	}
	if got := f.market(usdc).TotalReserves; !got.IsZero() {
		t.Fatalf("expected reserves drained, got %s", got.Dec())
	}
}
