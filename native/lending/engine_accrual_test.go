package lending

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func within(a, b *uint256.Int, tol uint64) bool {
	diff := new(uint256.Int)
	if a.Gt(b) {
		diff.Sub(a, b)
	} else {
		diff.Sub(b, a)
	}
	return diff.Cmp(uint256.NewInt(tol)) <= 0
}

func TestAccrueInterestUpdatesIndexesAndReserves(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "30000")
	f.deposit(user1, weth, "5")
	f.borrow(user1, usdc, "7000", weth)

	f.advance(100 * time.Second)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	m := f.market(usdc)

	// u = 7/30, rate = 1e-6·u per second, 100 seconds:
	// interest = floor(7000e6 · 233333333333 · 100 / 1e18) = 163333.
	if got := m.TotalBorrows; got.Uint64() != 7_000_163_333 {
		t.Fatalf("unexpected total borrows: %s", got.Dec())
	}
	if got := m.TotalReserves; got.Uint64() != 16_333 {
		t.Fatalf("unexpected reserves: %s", got.Dec())
	}
	if got := m.TotalSupply; got.Uint64() != 30_000_147_000 {
		t.Fatalf("unexpected total supply: %s", got.Dec())
	}
	if m.LastUpdate != uint64(f.now.Unix()) {
		t.Fatalf("expected lastUpdate %d, got %d", f.now.Unix(), m.LastUpdate)
	}
	if !m.BorrowIndex.Gt(RAY()) || !m.SupplyIndex.Gt(RAY()) {
		t.Fatalf("expected both indexes to grow: borrow=%s supply=%s", m.BorrowIndex.Dec(), m.SupplyIndex.Dec())
	}

	if got := f.supplied(owner, usdc); got.Uint64() != 30_000_147_000 {
		t.Fatalf("expected supplier credited 147000, got %s", got.Dec())
	}
	if got := f.borrowed(user1, usdc); !within(got, m.TotalBorrows, 1) {
		t.Fatalf("borrower debt %s diverges from total %s", got.Dec(), m.TotalBorrows.Dec())
	}
	cash := new(uint256.Int).Add(m.TotalSupply, m.TotalReserves)
	if cash.Lt(m.TotalBorrows) {
		t.Fatalf("borrows exceed supply plus reserves")
	}
}

func TestAccrueIsIdempotentForSameTimestamp(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()
	f.advance(time.Hour)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	first := f.market(usdc)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue again: %v", err)
	}
	second := f.market(usdc)
	if !first.TotalBorrows.Eq(second.TotalBorrows) || !first.BorrowIndex.Eq(second.BorrowIndex) || !first.TotalSupply.Eq(second.TotalSupply) {
		t.Fatalf("second accrual at same timestamp changed state")
	}
}

func TestAccrueWithoutBorrowsOnlyMovesClock(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "1000")
	f.advance(24 * time.Hour)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	m := f.market(usdc)
	if !m.SupplyIndex.Eq(RAY()) || !m.TotalReserves.IsZero() || m.LastUpdate != uint64(f.now.Unix()) {
		t.Fatalf("unexpected market after idle accrual: %+v", m)
	}
}

func TestInterestAccruesProRataAcrossBorrowers(t *testing.T) {
	f := newFixture(t)
	f.deposit(owner, usdc, "30000")
	f.deposit(user1, weth, "5")
	f.deposit(user3, weth, "5")
	f.borrow(user1, usdc, "1000", weth)
	f.borrow(user3, usdc, "3000", weth)

	f.advance(30 * 24 * time.Hour)
	if err := f.engine.Accrue(usdc); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	d1 := f.borrowed(user1, usdc)
	d3 := f.borrowed(user3, usdc)
	total := f.market(usdc).TotalBorrows

	sum := new(uint256.Int).Add(d1, d3)
	if !within(sum, total, 2) {
		t.Fatalf("sum of debts %s diverges from total %s", sum.Dec(), total.Dec())
	}
	// user3 owes three times what user1 owes, up to rounding.
	tripled := new(uint256.Int).Mul(d1, uint256.NewInt(3))
	if !within(tripled, d3, 3) {
		t.Fatalf("interest not pro rata: user1=%s user3=%s", d1.Dec(), d3.Dec())
	}
	if !d1.Gt(f.units(usdc, "1000")) {
		t.Fatalf("expected interest on user1 debt, got %s", d1.Dec())
	}
}

func TestReadsReflectAccruedInterestWithoutPersisting(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()
	f.advance(time.Hour)
	viewed := f.borrowed(user1, usdc)
	if !viewed.Gt(f.units(usdc, "7000")) {
		t.Fatalf("expected view to include interest, got %s", viewed.Dec())
	}
	stored, err := f.engine.state.GetMarket(usdc)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if stored.TotalBorrows.Uint64() != 7_000_000_000 {
		t.Fatalf("view persisted accrual: %s", stored.TotalBorrows.Dec())
	}
}

func TestFullRepayAfterInterestClearsPosition(t *testing.T) {
	f := newFixture(t)
	f.borrowerSetup()
	f.advance(7 * 24 * time.Hour)
	f.fund(user1, usdc, "10000")
	repaid, err := f.engine.Repay(user1, usdc, f.units(usdc, "20000"), user1)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !repaid.Gt(f.units(usdc, "7000")) {
		t.Fatalf("expected repayment to include interest, got %s", repaid.Dec())
	}
	if got := f.borrowed(user1, usdc); !got.IsZero() {
		t.Fatalf("expected zero debt, got %s", got.Dec())
	}
	if got := f.market(usdc).TotalBorrows; got.Uint64() > 1 {
		t.Fatalf("expected total borrows cleared up to dust, got %s", got.Dec())
	}
}
