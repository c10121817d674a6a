package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	nativecommon "lendingcore/native/common"
	"lendingcore/native/lending"
	"lendingcore/native/oracle"
	"lendingcore/native/tokens"
	"lendingcore/observability"
	"lendingcore/observability/logging"
)

const (
	ownerHex      = "0x0000000000000000000000000000000000000001"
	custodyHex    = "0x0000000000000000000000000000000000000002"
	borrowerHex   = "0x0000000000000000000000000000000000000011"
	liquidatorHex = "0x0000000000000000000000000000000000000013"
	wethHex       = "0x00000000000000000000000000000000000000E1"
	usdcHex       = "0x00000000000000000000000000000000000000c1"
)

type hostFixture struct {
	host    *Host
	prices  *oracle.Manual
	metrics *observability.LendingMetrics
	reg     *prometheus.Registry
	now     time.Time
}

func newHostFixture(t *testing.T, quota nativecommon.Quota) *hostFixture {
	t.Helper()
	f := &hostFixture{now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return f.now }

	eng, err := lending.NewEngine(mustAddress(t, ownerHex), lending.LiquidationParams{CloseFactorBps: 5_000, LiquidationBonusBps: 10_500})
	require.NoError(t, err)
	ledger := tokens.NewLedger(mustAddress(t, custodyHex))
	f.prices = oracle.NewManual(0)
	f.prices.SetClock(clock)
	eng.SetAssetTransfer(ledger)
	eng.SetPriceProvider(f.prices)
	eng.SetClock(clock)

	f.reg = prometheus.NewRegistry()
	f.metrics = observability.NewLendingMetrics(f.reg)
	f.host, err = NewHost(eng, ledger, f.prices, Options{Quota: quota, Metrics: f.metrics, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	linear := RateModel{Kind: lending.RateModelLinear, SlopePerSecond: "0.000001"}
	require.NoError(t, f.host.ListMarket(ctx, ownerHex, ListMarketRequest{
		Asset: wethHex, Symbol: "WETH", Decimals: 18, PriceUSD: "2000",
		ReserveFactorBps: 1_000, LTVBps: 8_000, LiquidationThresholdBps: 8_500, RateModel: linear,
	}))
	require.NoError(t, f.host.ListMarket(ctx, ownerHex, ListMarketRequest{
		Asset: usdcHex, Symbol: "USDC", Decimals: 6, PriceUSD: "1",
		ReserveFactorBps: 1_000, LTVBps: 9_000, LiquidationThresholdBps: 9_300, RateModel: linear,
	}))
	return f
}

func mustAddress(t *testing.T, hex string) common.Address {
	t.Helper()
	addr, err := parseAddress(hex)
	require.NoError(t, err)
	return addr
}

func (f *hostFixture) fund(t *testing.T, user, asset, value string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.host.Mint(ctx, ownerHex, asset, user, value))
	require.NoError(t, f.host.Approve(ctx, user, asset, value))
}

func TestHostBorrowAndLiquidateFlow(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{})
	ctx := context.Background()

	f.fund(t, ownerHex, "USDC", "10000")
	require.NoError(t, f.host.Deposit(ctx, ownerHex, "usdc", "10000"))
	f.fund(t, borrowerHex, "WETH", "5")
	require.NoError(t, f.host.Deposit(ctx, borrowerHex, wethHex, "5"))

	err := f.host.Borrow(ctx, borrowerHex, "USDC", "9000", []string{"WETH"})
	require.ErrorIs(t, err, lending.ErrExceedsBorrowPower)
	require.NoError(t, f.host.Borrow(ctx, borrowerHex, "USDC", "7000", []string{"WETH"}))

	val, err := f.host.GetValuation(ctx, borrowerHex, []string{"WETH"}, []string{"USDC"})
	require.NoError(t, err)
	require.Equal(t, "10000", val.CollateralUSD)
	require.Equal(t, "8000", val.BorrowingPowerUSD)
	require.Equal(t, "7000", val.BorrowedUSD)
	require.True(t, strings.HasPrefix(val.HealthFactorBps, "1214"), val.HealthFactorBps)
	require.False(t, val.Liquidatable)

	require.NoError(t, f.host.SetPrice(ctx, ownerHex, "WETH", "1400"))
	val, err = f.host.GetValuation(ctx, borrowerHex, []string{"WETH"}, []string{"USDC"})
	require.NoError(t, err)
	require.True(t, val.Liquidatable)

	f.fund(t, liquidatorHex, "USDC", "4000")
	out, err := f.host.Liquidate(ctx, LiquidateRequest{
		Liquidator: liquidatorHex,
		Borrower:   borrowerHex,
		RepayAsset: "USDC",
		SeizeAsset: "WETH",
		Amount:     "4000",
	})
	require.NoError(t, err)
	require.Equal(t, LiquidationOutcome{Repaid: "3500", Seized: "2.625"}, out)

	pos, err := f.host.GetPosition(ctx, borrowerHex, "USDC")
	require.NoError(t, err)
	require.Equal(t, "3500", pos.Borrowed)
	pos, err = f.host.GetPosition(ctx, liquidatorHex, "WETH")
	require.NoError(t, err)
	require.Equal(t, "2.625", pos.Supplied)

	repaid, err := f.host.Repay(ctx, borrowerHex, "USDC", "0.5", "")
	require.ErrorIs(t, err, tokens.ErrInsufficientAllowance)
	require.Empty(t, repaid)

	n, err := testutil.GatherAndCount(f.reg, "lending_liquidation_health_factor")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHostMarketsRenderDecimalStrings(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{})
	ctx := context.Background()

	markets, err := f.host.ListMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.Equal(t, "WETH", markets[0].Symbol)
	require.Equal(t, "USDC", markets[1].Symbol)

	usdc, err := f.host.GetMarket(ctx, usdcHex)
	require.NoError(t, err)
	require.Equal(t, uint8(6), usdc.Decimals)
	require.Equal(t, "1", usdc.SupplyIndex)
	require.Equal(t, "0", usdc.TotalSupply)
	require.Equal(t, uint64(9_000), usdc.LTVBps)

	_, err = f.host.GetMarket(ctx, "DAI")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHostRejectsNonOwnerAdministration(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{})
	ctx := context.Background()

	require.ErrorIs(t, f.host.Mint(ctx, borrowerHex, "USDC", borrowerHex, "1"), lending.ErrUnauthorized)
	require.ErrorIs(t, f.host.SetPrice(ctx, borrowerHex, "USDC", "2"), lending.ErrUnauthorized)
	err := f.host.ListMarket(ctx, borrowerHex, ListMarketRequest{Asset: "0x00000000000000000000000000000000000000d1", Symbol: "DAI", Decimals: 18})
	require.ErrorIs(t, err, lending.ErrUnauthorized)
	require.ErrorIs(t, f.host.WithdrawReserves(ctx, borrowerHex, "USDC", "1", ""), lending.ErrUnauthorized)

	err = f.host.ListMarket(ctx, ownerHex, ListMarketRequest{Asset: wethHex, Symbol: "WETH", Decimals: 8, RateModel: RateModel{Kind: lending.RateModelLinear}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestHostRejectionLogsRedactCounterparties(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{})
	var buf bytes.Buffer
	f.host.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	err := f.host.Mint(context.Background(), liquidatorHex, "USDC", borrowerHex, "1")
	require.ErrorIs(t, err, lending.ErrUnauthorized)

	line := buf.String()
	require.Contains(t, line, `"msg":"lending operation rejected"`)
	require.Contains(t, line, `"caller":"`+liquidatorHex+`"`)
	require.Contains(t, line, `"to":"`+logging.RedactedValue+`"`)
	require.NotContains(t, line, borrowerHex)
}

func TestHostValidatesInput(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{})
	ctx := context.Background()

	require.ErrorIs(t, f.host.Deposit(ctx, "alice", "USDC", "1"), ErrInvalidInput)
	require.ErrorIs(t, f.host.Deposit(ctx, borrowerHex, "", "1"), ErrInvalidInput)
	require.ErrorIs(t, f.host.Deposit(ctx, borrowerHex, "USDC", "0.0000001"), ErrInvalidInput)
	require.ErrorIs(t, f.host.Deposit(ctx, borrowerHex, "USDC", "-1"), ErrInvalidInput)
	require.ErrorIs(t, f.host.Deposit(ctx, borrowerHex, "USDC", "0"), lending.ErrInvalidArgument)
	require.ErrorIs(t, f.host.Borrow(ctx, borrowerHex, "USDC", "1", []string{"DOGE"}), ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, f.host.Deposit(cancelled, borrowerHex, "USDC", "1"), context.Canceled)
}

func TestHostEnforcesQuota(t *testing.T) {
	f := newHostFixture(t, nativecommon.Quota{MaxRequestsPerEpoch: 5, MaxNotionalPerEpoch: 1_500, EpochSeconds: 60})
	ctx := context.Background()

	f.fund(t, borrowerHex, "USDC", "3000")
	require.NoError(t, f.host.Deposit(ctx, borrowerHex, "USDC", "1000"))
	err := f.host.Deposit(ctx, borrowerHex, "USDC", "600")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.ErrorIs(t, err, nativecommon.ErrQuotaNotionalExceeded)

	// Rejected engine calls do not consume quota.
	require.ErrorIs(t, f.host.Withdraw(ctx, borrowerHex, "WETH", "0.1", nil, nil), lending.ErrInsufficientBalance)
	require.NoError(t, f.host.Deposit(ctx, borrowerHex, "USDC", "500"))

	f.now = f.now.Add(time.Minute)
	require.NoError(t, f.host.Deposit(ctx, borrowerHex, "USDC", "1000"))
	expected := `
# HELP lending_service_throttles_total Count of requests rejected by rate limits or quotas.
# TYPE lending_service_throttles_total counter
lending_service_throttles_total{reason="quota_exceeded"} 1
`
	require.NoError(t, testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "lending_service_throttles_total"))
}

func TestErrorLabels(t *testing.T) {
	cases := []struct {
		err  error
		kind string
		code string
	}{
		{nil, "", ""},
		{lending.ErrNoDebt, "solvency", "NO_DEBT"},
		{errors.Join(errors.New("ctx"), lending.ErrPriceUnavailable), "oracle", "PRICE_UNAVAILABLE"},
		{ErrInvalidInput, "validation", "INVALID_INPUT"},
		{ErrQuotaExceeded, "throttle", "QUOTA_EXCEEDED"},
		{tokens.ErrInsufficientBalance, "transfer", "TRANSFER_FAILED"},
		{errors.New("boom"), "unknown", ""},
	}
	for _, tc := range cases {
		kind, code := ErrorLabels(tc.err)
		if kind != tc.kind || code != tc.code {
			t.Fatalf("ErrorLabels(%v) = %q/%q, want %q/%q", tc.err, kind, code, tc.kind, tc.code)
		}
	}
}
