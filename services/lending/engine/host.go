package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendingcore/core/amount"
	nativecommon "lendingcore/native/common"
	"lendingcore/native/lending"
	"lendingcore/native/oracle"
	"lendingcore/native/tokens"
	"lendingcore/observability"
	"lendingcore/observability/logging"
)

const tracerName = "lendingcore/services/lending"

// Options tunes the host.
type Options struct {
	Quota   nativecommon.Quota
	Metrics *observability.LendingMetrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Host serialises every call into a lending engine and translates between the
// string-typed service surface and the engine's typed API. It also enforces
// per-caller quotas and records metrics and spans for each operation.
type Host struct {
	mu      sync.Mutex
	engine  *lending.Engine
	ledger  *tokens.Ledger
	prices  *oracle.Manual
	metrics *observability.LendingMetrics
	logger  *slog.Logger
	tracer  trace.Tracer
	quota   nativecommon.Quota
	usage   map[common.Address]nativecommon.QuotaNow
	now     func() time.Time
}

var _ Engine = (*Host)(nil)

// NewHost wires eng, the token ledger backing it and an optional manual price
// feed for the admin price route.
func NewHost(eng *lending.Engine, ledger *tokens.Ledger, prices *oracle.Manual, opts Options) (*Host, error) {
	if eng == nil || ledger == nil {
		return nil, errors.New("lending host: engine and ledger required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Host{
		engine:  eng,
		ledger:  ledger,
		prices:  prices,
		metrics: opts.Metrics,
		logger:  logger.With("component", "lending_host"),
		tracer:  otel.Tracer(tracerName),
		quota:   opts.Quota,
		usage:   make(map[common.Address]nativecommon.QuotaNow),
		now:     now,
	}, nil
}

// callerAttrs tags a rejected call with its caller. Counterparty fields pass
// through logging.MaskField and are redacted.
func callerAttrs(caller string, extra ...slog.Attr) []slog.Attr {
	return append([]slog.Attr{logging.MaskField("caller", caller)}, extra...)
}

func (h *Host) run(ctx context.Context, action string, fields []slog.Attr, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := h.tracer.Start(ctx, "lending."+action, trace.WithAttributes(attribute.String("lending.action", action)))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	start := time.Now()
	err := fn(ctx)
	kind, code := ErrorLabels(err)
	h.metrics.Observe(action, kind, code, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		attrs := append([]slog.Attr{
			slog.String("action", action),
			slog.String("kind", kind),
			slog.String("code", code),
			slog.Any("error", err),
		}, fields...)
		h.logger.LogAttrs(ctx, slog.LevelWarn, "lending operation rejected", attrs...)
	}
	return err
}

// ErrorLabels returns stable kind and code strings for err. Both are empty
// for a nil error.
func ErrorLabels(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if kind := lending.KindOf(err); kind != lending.KindUnknown {
		return kind.String(), lending.CodeOf(err)
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return lending.KindValidation.String(), "INVALID_INPUT"
	case errors.Is(err, ErrNotFound):
		return lending.KindValidation.String(), "NOT_FOUND"
	case errors.Is(err, ErrUnauthorized):
		return lending.KindValidation.String(), "UNAUTHORIZED"
	case errors.Is(err, ErrQuotaExceeded):
		return "throttle", "QUOTA_EXCEEDED"
	case errors.Is(err, tokens.ErrInsufficientAllowance), errors.Is(err, tokens.ErrInsufficientBalance):
		return "transfer", "TRANSFER_FAILED"
	case errors.Is(err, ErrUnavailable):
		return "unknown", "UNAVAILABLE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "unknown", "CANCELLED"
	default:
		return "unknown", ""
	}
}

func (h *Host) Deposit(ctx context.Context, caller, asset, amt string) error {
	return h.run(ctx, lending.ActionSupply, callerAttrs(caller), func(context.Context) error {
		user, tok, value, err := h.parseCall(caller, asset, amt)
		if err != nil {
			return err
		}
		commit, err := h.charge(user, tok, value)
		if err != nil {
			return err
		}
		if err := h.engine.Deposit(user, tok.Address, value); err != nil {
			return err
		}
		commit()
		h.publish(tok)
		return nil
	})
}

func (h *Host) Withdraw(ctx context.Context, caller, asset, amt string, collateral, debt []string) error {
	return h.run(ctx, lending.ActionWithdraw, callerAttrs(caller), func(context.Context) error {
		user, tok, value, err := h.parseCall(caller, asset, amt)
		if err != nil {
			return err
		}
		collAssets, err := h.resolveAssets(collateral)
		if err != nil {
			return err
		}
		debtAssets, err := h.resolveAssets(debt)
		if err != nil {
			return err
		}
		commit, err := h.charge(user, tok, value)
		if err != nil {
			return err
		}
		if err := h.engine.Withdraw(user, tok.Address, value, collAssets, debtAssets); err != nil {
			return err
		}
		commit()
		h.publish(tok)
		return nil
	})
}

func (h *Host) Borrow(ctx context.Context, caller, asset, amt string, collateral []string) error {
	return h.run(ctx, lending.ActionBorrow, callerAttrs(caller), func(context.Context) error {
		user, tok, value, err := h.parseCall(caller, asset, amt)
		if err != nil {
			return err
		}
		collAssets, err := h.resolveAssets(collateral)
		if err != nil {
			return err
		}
		commit, err := h.charge(user, tok, value)
		if err != nil {
			return err
		}
		if err := h.engine.Borrow(user, tok.Address, value, collAssets); err != nil {
			return err
		}
		commit()
		h.publish(tok)
		return nil
	})
}

// Repay applies up to amt against onBehalfOf's debt, defaulting to the
// caller's own, and returns the amount actually repaid.
func (h *Host) Repay(ctx context.Context, caller, asset, amt, onBehalfOf string) (string, error) {
	var repaid string
	err := h.run(ctx, lending.ActionRepay, callerAttrs(caller, logging.MaskField("on_behalf_of", onBehalfOf)), func(context.Context) error {
		payer, tok, value, err := h.parseCall(caller, asset, amt)
		if err != nil {
			return err
		}
		borrower := payer
		if strings.TrimSpace(onBehalfOf) != "" {
			if borrower, err = parseAddress(onBehalfOf); err != nil {
				return err
			}
		}
		commit, err := h.charge(payer, tok, value)
		if err != nil {
			return err
		}
		applied, err := h.engine.Repay(payer, tok.Address, value, borrower)
		if err != nil {
			return err
		}
		commit()
		h.publish(tok)
		repaid = amount.FormatUnits(applied, tok.Decimals)
		return nil
	})
	return repaid, err
}

func (h *Host) Liquidate(ctx context.Context, req LiquidateRequest) (LiquidationOutcome, error) {
	var out LiquidationOutcome
	err := h.run(ctx, lending.ActionLiquidate, callerAttrs(req.Liquidator, logging.MaskField("borrower", req.Borrower)), func(context.Context) error {
		liquidator, repayTok, value, err := h.parseCall(req.Liquidator, req.RepayAsset, req.Amount)
		if err != nil {
			return err
		}
		borrower, err := parseAddress(req.Borrower)
		if err != nil {
			return err
		}
		seizeTok, err := h.resolveAsset(req.SeizeAsset)
		if err != nil {
			return err
		}
		collAssets, err := h.resolveAssets(req.Collateral)
		if err != nil {
			return err
		}
		debtAssets, err := h.resolveAssets(req.Debt)
		if err != nil {
			return err
		}
		commit, err := h.charge(liquidator, repayTok, value)
		if err != nil {
			return err
		}
		health, healthErr := h.engine.HealthFactorBps(borrower,
			appendMissing(collAssets, seizeTok.Address),
			appendMissing(debtAssets, repayTok.Address))

		result, err := h.engine.Liquidate(lending.LiquidationRequest{
			Liquidator:       liquidator,
			Borrower:         borrower,
			RepayAsset:       repayTok.Address,
			SeizeAsset:       seizeTok.Address,
			RepayAmount:      value,
			CollateralAssets: collAssets,
			DebtAssets:       debtAssets,
		})
		if err != nil {
			return err
		}
		commit()
		h.publish(repayTok)
		h.publish(seizeTok)
		out = LiquidationOutcome{
			Repaid: amount.FormatUnits(result.Repaid, repayTok.Decimals),
			Seized: amount.FormatUnits(result.Seized, seizeTok.Decimals),
		}
		if healthErr == nil && health.IsUint64() {
			h.metrics.ObserveLiquidation(repayTok.Symbol, health.Uint64())
			h.logger.Info("borrower liquidated",
				"borrower", borrower.Hex(),
				"liquidator", liquidator.Hex(),
				"health", observability.FormatBps(health.Uint64()),
				"repaid", out.Repaid,
				"seized", out.Seized)
		}
		return nil
	})
	return out, err
}

func (h *Host) GetMarket(ctx context.Context, asset string) (Market, error) {
	var out Market
	err := h.run(ctx, "get_market", nil, func(context.Context) error {
		tok, err := h.resolveAsset(asset)
		if err != nil {
			return err
		}
		out, err = h.renderMarket(tok)
		return err
	})
	return out, err
}

func (h *Host) ListMarkets(ctx context.Context) ([]Market, error) {
	var out []Market
	err := h.run(ctx, "list_markets", nil, func(context.Context) error {
		listed, err := h.engine.Markets()
		if err != nil {
			return err
		}
		out = make([]Market, 0, len(listed))
		for _, addr := range listed {
			tok, err := h.tokenByAddress(addr)
			if err != nil {
				return err
			}
			snapshot, err := h.renderMarket(tok)
			if err != nil {
				return err
			}
			out = append(out, snapshot)
		}
		return nil
	})
	return out, err
}

func (h *Host) GetPosition(ctx context.Context, user, asset string) (Position, error) {
	var out Position
	err := h.run(ctx, "get_position", []slog.Attr{logging.MaskField("user", user)}, func(context.Context) error {
		addr, err := parseAddress(user)
		if err != nil {
			return err
		}
		tok, err := h.resolveAsset(asset)
		if err != nil {
			return err
		}
		view, err := h.engine.Position(addr, tok.Address)
		if err != nil {
			return err
		}
		out = Position{
			User:     addr.Hex(),
			Asset:    tok.Symbol,
			Supplied: amount.FormatUnits(view.Supplied, tok.Decimals),
			Borrowed: amount.FormatUnits(view.Borrowed, tok.Decimals),
		}
		return nil
	})
	return out, err
}

func (h *Host) GetValuation(ctx context.Context, user string, collateral, debt []string) (Valuation, error) {
	var out Valuation
	err := h.run(ctx, "get_valuation", []slog.Attr{logging.MaskField("user", user)}, func(context.Context) error {
		addr, err := parseAddress(user)
		if err != nil {
			return err
		}
		collAssets, err := h.resolveAssets(collateral)
		if err != nil {
			return err
		}
		debtAssets, err := h.resolveAssets(debt)
		if err != nil {
			return err
		}
		summary, err := h.engine.Valuation(addr, collAssets, debtAssets)
		if err != nil {
			return err
		}
		out = Valuation{
			User:              addr.Hex(),
			CollateralUSD:     amount.FormatUnits(summary.CollateralUSD, amount.WADDecimals),
			BorrowingPowerUSD: amount.FormatUnits(summary.BorrowingPowerUSD, amount.WADDecimals),
			BorrowedUSD:       amount.FormatUnits(summary.BorrowedUSD, amount.WADDecimals),
			HealthFactorBps:   formatHealth(summary.HealthFactorBps),
			Liquidatable:      summary.HealthFactorBps.Lt(uint256.NewInt(10_000)),
		}
		return nil
	})
	return out, err
}

// ListMarket registers the asset with the token ledger when needed, lists the
// market, installs its collateral weights and seeds the price feed.
func (h *Host) ListMarket(ctx context.Context, caller string, req ListMarketRequest) error {
	return h.run(ctx, "list_market", callerAttrs(caller), func(context.Context) error {
		owner, err := h.requireOwner(caller)
		if err != nil {
			return err
		}
		if !common.IsHexAddress(strings.TrimSpace(req.Asset)) {
			return fmt.Errorf("%w: asset address %q", ErrInvalidInput, req.Asset)
		}
		asset := common.HexToAddress(strings.TrimSpace(req.Asset))
		model, err := lending.RateModelConfig{
			Kind:            req.RateModel.Kind,
			BasePerSecond:   req.RateModel.BasePerSecond,
			SlopePerSecond:  req.RateModel.SlopePerSecond,
			Slope2PerSecond: req.RateModel.Slope2PerSecond,
			BaseAPR:         req.RateModel.BaseAPR,
			SlopeAPR:        req.RateModel.SlopeAPR,
			Slope2APR:       req.RateModel.Slope2APR,
			Kink:            req.RateModel.Kink,
		}.Build()
		if err != nil {
			if lending.KindOf(err) == lending.KindUnknown {
				return fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
			return err
		}
		collateral := lending.CollateralConfig{LTVBps: req.LTVBps, LiquidationThresholdBps: req.LiquidationThresholdBps}
		if err := collateral.Validate(); err != nil {
			return err
		}
		if err := h.ensureToken(asset, req.Symbol, req.Decimals); err != nil {
			return err
		}
		if err := h.engine.ListMarket(owner, asset, model, req.ReserveFactorBps); err != nil {
			return err
		}
		if err := h.engine.SetCollateralConfig(owner, asset, collateral); err != nil {
			return err
		}
		if strings.TrimSpace(req.PriceUSD) != "" && h.prices != nil {
			if err := h.prices.SetDecimal(asset, req.PriceUSD); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidInput, err)
			}
		}
		h.logger.Info("market listed", "asset", asset.Hex(), "symbol", req.Symbol, "reserve_factor_bps", req.ReserveFactorBps)
		return nil
	})
}

func (h *Host) WithdrawReserves(ctx context.Context, caller, asset, amt, to string) error {
	return h.run(ctx, "withdraw_reserves", callerAttrs(caller, logging.MaskField("to", to)), func(context.Context) error {
		owner, tok, value, err := h.parseCall(caller, asset, amt)
		if err != nil {
			return err
		}
		recipient := owner
		if strings.TrimSpace(to) != "" {
			if recipient, err = parseAddress(to); err != nil {
				return err
			}
		}
		if err := h.engine.WithdrawReserves(owner, tok.Address, value, recipient); err != nil {
			return err
		}
		h.publish(tok)
		return nil
	})
}

// SetPrice records an operator price on the manual feed.
func (h *Host) SetPrice(ctx context.Context, caller, asset, price string) error {
	return h.run(ctx, "set_price", callerAttrs(caller), func(context.Context) error {
		if _, err := h.requireOwner(caller); err != nil {
			return err
		}
		if h.prices == nil {
			return fmt.Errorf("%w: manual price feed not configured", ErrUnavailable)
		}
		tok, err := h.resolveAsset(asset)
		if err != nil {
			return err
		}
		if err := h.prices.SetDecimal(tok.Address, price); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil
	})
}

// Mint credits test balances. Only the owner may mint.
func (h *Host) Mint(ctx context.Context, caller, asset, to, amt string) error {
	return h.run(ctx, "mint", callerAttrs(caller, logging.MaskField("to", to)), func(context.Context) error {
		if _, err := h.requireOwner(caller); err != nil {
			return err
		}
		recipient, tok, value, err := h.parseCall(to, asset, amt)
		if err != nil {
			return err
		}
		if err := h.ledger.Mint(tok.Address, recipient, value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil
	})
}

// Approve sets the caller's allowance for the pool custody address.
func (h *Host) Approve(ctx context.Context, caller, asset, amt string) error {
	return h.run(ctx, "approve", callerAttrs(caller), func(context.Context) error {
		owner, err := parseAddress(caller)
		if err != nil {
			return err
		}
		tok, err := h.resolveAsset(asset)
		if err != nil {
			return err
		}
		value, err := parseAmount(amt, tok.Decimals)
		if err != nil {
			return err
		}
		if err := h.ledger.Approve(tok.Address, owner, h.ledger.Custody(), value); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil
	})
}

func (h *Host) requireOwner(caller string) (common.Address, error) {
	addr, err := parseAddress(caller)
	if err != nil {
		return common.Address{}, err
	}
	if addr != h.engine.Config().Owner {
		return common.Address{}, lending.ErrUnauthorized
	}
	return addr, nil
}

// charge reserves quota for one request moving value of tok. The returned
// commit function records the usage once the engine accepted the call.
func (h *Host) charge(caller common.Address, tok tokens.Token, value *uint256.Int) (func(), error) {
	if !h.quota.Enabled() {
		return func() {}, nil
	}
	var notional uint64
	if h.quota.MaxNotionalPerEpoch > 0 {
		usd, err := h.engine.ValueUSD(tok.Address, value)
		if err != nil {
			return nil, err
		}
		whole := new(uint256.Int).Div(usd, lending.WAD())
		if whole.IsUint64() {
			notional = whole.Uint64()
		} else {
			notional = math.MaxUint64
		}
	}
	epoch := h.quota.Epoch(h.now().Unix())
	next, err := nativecommon.CheckQuota(h.quota, epoch, h.usage[caller], 1, notional)
	if err != nil {
		h.metrics.RecordThrottle("quota_exceeded")
		return nil, fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
	}
	return func() { h.usage[caller] = next }, nil
}

func (h *Host) publish(tok tokens.Token) {
	if h.metrics == nil {
		return
	}
	market, err := h.engine.Market(tok.Address)
	if err != nil {
		return
	}
	h.metrics.SetMarket(tok.Symbol, tok.Decimals, market.TotalSupply.ToBig(), market.TotalBorrows.ToBig(), market.TotalReserves.ToBig())
}

func (h *Host) renderMarket(tok tokens.Token) (Market, error) {
	market, err := h.engine.Market(tok.Address)
	if err != nil {
		return Market{}, err
	}
	util, err := lending.Utilisation(market.TotalBorrows, market.TotalSupply)
	if err != nil {
		return Market{}, err
	}
	borrowRate := new(uint256.Int)
	if market.RateModel != nil {
		if borrowRate, err = market.RateModel.BorrowRatePerSecond(util); err != nil {
			return Market{}, err
		}
	}
	supplyRate, err := lending.SupplyRatePerSecond(market.RateModel, market.TotalBorrows, market.TotalSupply, market.ReserveFactorBps)
	if err != nil {
		return Market{}, err
	}
	collateral := h.engine.Config().Collateral[tok.Address]
	return Market{
		Asset:                   tok.Address.Hex(),
		Symbol:                  tok.Symbol,
		Decimals:                market.Decimals,
		TotalSupply:             amount.FormatUnits(market.TotalSupply, market.Decimals),
		TotalBorrows:            amount.FormatUnits(market.TotalBorrows, market.Decimals),
		TotalReserves:           amount.FormatUnits(market.TotalReserves, market.Decimals),
		Cash:                    amount.FormatUnits(market.Cash(), market.Decimals),
		SupplyIndex:             amount.FormatUnits(market.SupplyIndex, rayDecimals),
		BorrowIndex:             amount.FormatUnits(market.BorrowIndex, rayDecimals),
		Utilisation:             amount.FormatUnits(util, amount.WADDecimals),
		BorrowRatePerSecond:     amount.FormatUnits(borrowRate, amount.WADDecimals),
		SupplyRatePerSecond:     amount.FormatUnits(supplyRate, amount.WADDecimals),
		ReserveFactorBps:        market.ReserveFactorBps,
		LTVBps:                  collateral.LTVBps,
		LiquidationThresholdBps: collateral.LiquidationThresholdBps,
		LastUpdate:              market.LastUpdate,
	}, nil
}

const rayDecimals = 27

func (h *Host) ensureToken(asset common.Address, symbol string, decimals uint8) error {
	if existing, err := h.tokenByAddress(asset); err == nil {
		if existing.Decimals != decimals {
			return fmt.Errorf("%w: %s registered with %d decimals", ErrInvalidInput, existing.Symbol, existing.Decimals)
		}
		return nil
	}
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("%w: symbol required for new asset", ErrInvalidInput)
	}
	if _, taken := h.ledger.Lookup(symbol); taken {
		return fmt.Errorf("%w: symbol %q already in use", ErrInvalidInput, symbol)
	}
	return h.ledger.Register(asset, symbol, decimals)
}

func (h *Host) tokenByAddress(addr common.Address) (tokens.Token, error) {
	for _, tok := range h.ledger.Tokens() {
		if tok.Address == addr {
			return tok, nil
		}
	}
	return tokens.Token{}, fmt.Errorf("%w: asset %s", ErrNotFound, addr.Hex())
}

// resolveAsset accepts either a registered symbol or a hex address.
func (h *Host) resolveAsset(ref string) (tokens.Token, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return tokens.Token{}, fmt.Errorf("%w: asset required", ErrInvalidInput)
	}
	if common.IsHexAddress(trimmed) {
		return h.tokenByAddress(common.HexToAddress(trimmed))
	}
	if tok, ok := h.ledger.Lookup(trimmed); ok {
		return tok, nil
	}
	return tokens.Token{}, fmt.Errorf("%w: asset %q", ErrNotFound, trimmed)
}

func (h *Host) resolveAssets(refs []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(refs))
	for _, ref := range refs {
		tok, err := h.resolveAsset(ref)
		if err != nil {
			return nil, err
		}
		out = appendMissing(out, tok.Address)
	}
	return out, nil
}

func (h *Host) parseCall(caller, asset, amt string) (common.Address, tokens.Token, *uint256.Int, error) {
	addr, err := parseAddress(caller)
	if err != nil {
		return common.Address{}, tokens.Token{}, nil, err
	}
	tok, err := h.resolveAsset(asset)
	if err != nil {
		return common.Address{}, tokens.Token{}, nil, err
	}
	value, err := parseAmount(amt, tok.Decimals)
	if err != nil {
		return common.Address{}, tokens.Token{}, nil, err
	}
	return addr, tok, value, nil
}

func parseAddress(value string) (common.Address, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%w: address required", ErrInvalidInput)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrInvalidInput, trimmed)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(value string, decimals uint8) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount required", ErrInvalidInput)
	}
	parsed, err := amount.ParseUnits(trimmed, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return parsed, nil
}

func appendMissing(list []common.Address, addr common.Address) []common.Address {
	for _, existing := range list {
		if existing == addr {
			return list
		}
	}
	return append(list, addr)
}

func formatHealth(bps *uint256.Int) string {
	if bps == nil {
		return "0"
	}
	if bps.Eq(lending.MaxHealthFactor()) {
		return "max"
	}
	return bps.Dec()
}
