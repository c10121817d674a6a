package lending

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/amount"
	"lendingcore/core/events"
	"lendingcore/native/oracle"
	"lendingcore/native/tokens"
)

var (
	owner = makeAddress(0x01)
	pool  = makeAddress(0x02)
	user1 = makeAddress(0x11)
	user2 = makeAddress(0x12)
	user3 = makeAddress(0x13)
	weth  = makeAddress(0xE1)
	usdc  = makeAddress(0xC1)
)

func makeAddress(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

// slopePerSecond is 0.000001 per second at full utilisation.
var slopePerSecond = uint256.NewInt(1_000_000_000_000)

type fixture struct {
	t       *testing.T
	engine  *Engine
	ledger  *tokens.Ledger
	prices  *oracle.Manual
	now     time.Time
	emitted []events.Event
}

// newFixture lists WETH (18 decimals, $2000, 80/85) and USDC (6 decimals, $1,
// 90/93) with a 50% close factor, 105% bonus and 10% reserve factor.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, now: time.Unix(1_700_000_000, 0)}

	engine, err := NewEngine(owner, LiquidationParams{CloseFactorBps: 5_000, LiquidationBonusBps: 10_500})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine

	f.ledger = tokens.NewLedger(pool)
	if err := f.ledger.Register(weth, "WETH", 18); err != nil {
		t.Fatalf("register weth: %v", err)
	}
	if err := f.ledger.Register(usdc, "USDC", 6); err != nil {
		t.Fatalf("register usdc: %v", err)
	}

	f.prices = oracle.NewManual(0)
	f.prices.SetClock(f.clock)
	if err := f.prices.SetDecimal(weth, "2000"); err != nil {
		t.Fatalf("price weth: %v", err)
	}
	if err := f.prices.SetDecimal(usdc, "1"); err != nil {
		t.Fatalf("price usdc: %v", err)
	}

	engine.SetAssetTransfer(f.ledger)
	engine.SetPriceProvider(f.prices)
	engine.SetClock(f.clock)
	engine.SetEmitter(events.EmitterFunc(func(evt events.Event) {
		f.emitted = append(f.emitted, evt)
	}))

	model := NewLinearRateModel(nil, slopePerSecond)
	for _, asset := range []common.Address{weth, usdc} {
		if err := engine.ListMarket(owner, asset, model, 1_000); err != nil {
			t.Fatalf("list market: %v", err)
		}
	}
	if err := engine.SetCollateralConfig(owner, weth, CollateralConfig{LTVBps: 8_000, LiquidationThresholdBps: 8_500}); err != nil {
		t.Fatalf("collateral weth: %v", err)
	}
	if err := engine.SetCollateralConfig(owner, usdc, CollateralConfig{LTVBps: 9_000, LiquidationThresholdBps: 9_300}); err != nil {
		t.Fatalf("collateral usdc: %v", err)
	}
	f.emitted = nil
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) decimals(asset common.Address) uint8 {
	d, err := f.ledger.Decimals(asset)
	if err != nil {
		f.t.Fatalf("decimals: %v", err)
	}
	return d
}

// units converts a decimal string into asset base units.
func (f *fixture) units(asset common.Address, value string) *uint256.Int {
	return amount.MustParseUnits(value, f.decimals(asset))
}

// fund mints and approves value of asset for user.
func (f *fixture) fund(user, asset common.Address, value string) {
	f.t.Helper()
	amt := f.units(asset, value)
	if err := f.ledger.Mint(asset, user, amt); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
	allowance, _ := f.ledger.Allowance(asset, user, pool)
	if err := f.ledger.Approve(asset, user, pool, new(uint256.Int).Add(allowance, amt)); err != nil {
		f.t.Fatalf("approve: %v", err)
	}
}

func (f *fixture) deposit(user, asset common.Address, value string) {
	f.t.Helper()
	f.fund(user, asset, value)
	if err := f.engine.Deposit(user, asset, f.units(asset, value)); err != nil {
		f.t.Fatalf("deposit %s: %v", value, err)
	}
}

func (f *fixture) borrow(user, asset common.Address, value string, collateral ...common.Address) {
	f.t.Helper()
	if err := f.engine.Borrow(user, asset, f.units(asset, value), collateral); err != nil {
		f.t.Fatalf("borrow %s: %v", value, err)
	}
}

func (f *fixture) supplied(user, asset common.Address) *uint256.Int {
	f.t.Helper()
	v, err := f.engine.Supplied(user, asset)
	if err != nil {
		f.t.Fatalf("supplied: %v", err)
	}
	return v
}

func (f *fixture) borrowed(user, asset common.Address) *uint256.Int {
	f.t.Helper()
	v, err := f.engine.Borrowed(user, asset)
	if err != nil {
		f.t.Fatalf("borrowed: %v", err)
	}
	return v
}

func (f *fixture) balance(user, asset common.Address) *uint256.Int {
	f.t.Helper()
	v, err := f.ledger.BalanceOf(asset, user)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return v
}

func (f *fixture) market(asset common.Address) *Market {
	f.t.Helper()
	m, err := f.engine.Market(asset)
	if err != nil {
		f.t.Fatalf("market: %v", err)
	}
	return m
}

// borrowerSetup reproduces the standard liquidation scenario: the owner seeds
// liquidity and user1 borrows 7000 USDC against 5 WETH.
func (f *fixture) borrowerSetup() {
	f.t.Helper()
	f.deposit(owner, weth, "50")
	f.deposit(owner, usdc, "30000")
	f.deposit(user1, weth, "5")
	f.borrow(user1, usdc, "7000", weth)
}

func usd(value string) *uint256.Int {
	return amount.MustParseUnits(value, amount.WADDecimals)
}
