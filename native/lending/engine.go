package lending

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/events"
	nativecommon "lendingcore/native/common"
)

var (
	errNilState  = errors.New("lending engine: state not configured")
	errNilAssets = errors.New("lending engine: asset transfer not configured")
)

const moduleName = "lending"

// Engine orchestrates the state transitions of the lending markets. It is not
// safe for concurrent use; the hosting service serialises calls. A reentrancy
// flag rejects any collaborator that calls back into a mutating operation.
type Engine struct {
	state   engineState
	prices  PriceProvider
	assets  AssetTransfer
	emitter events.Emitter
	pauses  nativecommon.PauseView
	risk    RiskConfig
	now     func() time.Time
	entered atomic.Bool
}

// NewEngine constructs an engine owned by owner with an empty in-memory
// ledger.
func NewEngine(owner common.Address, params LiquidationParams) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		state:   NewMemoryState(),
		emitter: events.NoopEmitter{},
		risk: RiskConfig{
			Owner:       owner,
			Liquidation: params,
			Collateral:  make(map[common.Address]CollateralConfig),
		},
		now: time.Now,
	}, nil
}

// SetState wires the engine to an external ledger implementation.
func (e *Engine) SetState(state engineState) {
	if e == nil || state == nil {
		return
	}
	e.state = state
}

// SetPriceProvider configures the USD price source.
func (e *Engine) SetPriceProvider(p PriceProvider) {
	if e == nil {
		return
	}
	e.prices = p
}

// SetAssetTransfer configures the token custody collaborator.
func (e *Engine) SetAssetTransfer(a AssetTransfer) {
	if e == nil {
		return
	}
	e.assets = a
}

// SetEmitter configures the event sink. A nil emitter discards events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetPauses wires a module-wide pause switch consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetClock overrides the time source used for accrual.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.now = now
}

// Config returns a copy of the current risk configuration.
func (e *Engine) Config() RiskConfig { return e.risk.Clone() }

func (e *Engine) timestamp() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// execute runs fn as one atomic operation: the state is snapshotted, any
// error rolls every write back, and queued events are only emitted after the
// commit.
func (e *Engine) execute(action string, fn func(op *operation) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.entered.CompareAndSwap(false, true) {
		return ErrReentrant
	}
	defer e.entered.Store(false)

	if action != "" {
		if err := nativecommon.Guard(e.pauses, moduleName, action); err != nil {
			return fmt.Errorf("%w: %w", ErrPaused, err)
		}
		if err := nativecommon.Guard(e.risk.Pauses, action); err != nil {
			return fmt.Errorf("%w: %w", ErrPaused, err)
		}
	}

	op := newOperation(e)
	snapshot := e.state.Snapshot()
	if err := fn(op); err != nil {
		e.state.RevertToSnapshot(snapshot)
		return err
	}
	e.state.Finalise()
	for _, evt := range op.events {
		e.emitter.Emit(evt)
	}
	return nil
}

// view runs a read-only computation against accrued copies of market state.
func (e *Engine) view(fn func(op *operation) error) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return fn(newOperation(e))
}

func (e *Engine) requireOwner(caller common.Address) error {
	if caller != e.risk.Owner {
		return ErrUnauthorized
	}
	return nil
}

func requirePositive(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return nil
}

// ListMarket opens a money market for asset. Only the owner may list and each
// asset may be listed once.
func (e *Engine) ListMarket(caller, asset common.Address, model InterestRateModel, reserveFactorBps uint64) error {
	return e.execute("", func(op *operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if model == nil {
			return fmt.Errorf("%w: rate model required", ErrInvalidArgument)
		}
		if v, ok := model.(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
		if reserveFactorBps > 10_000 {
			return fmt.Errorf("%w: reserve factor %d bps above 100%%", ErrInvalidArgument, reserveFactorBps)
		}
		existing, err := e.state.GetMarket(asset)
		if err != nil {
			return err
		}
		if existing != nil && existing.Listed {
			return ErrAlreadyListed
		}
		if e.assets == nil {
			return errNilAssets
		}
		decimals, err := e.assets.Decimals(asset)
		if err != nil {
			return fmt.Errorf("lending engine: read decimals: %w", err)
		}
		if _, err := pow10(decimals); err != nil {
			return err
		}
		market := &Market{
			Asset:            asset,
			Listed:           true,
			Decimals:         decimals,
			TotalSupply:      zero(),
			TotalBorrows:     zero(),
			TotalReserves:    zero(),
			SupplyIndex:      ray.Clone(),
			BorrowIndex:      ray.Clone(),
			LastUpdate:       op.now,
			ReserveFactorBps: reserveFactorBps,
			RateModel:        model,
		}
		if err := e.state.PutMarket(market); err != nil {
			return err
		}
		op.emit(events.LendingMarketListed{Asset: asset, Decimals: decimals, ReserveFactorBps: reserveFactorBps})
		return nil
	})
}

// Accrue brings asset's indexes up to the current time without any other
// state change.
func (e *Engine) Accrue(asset common.Address) error {
	return e.execute("", func(op *operation) error {
		if _, err := op.market(asset); err != nil {
			return err
		}
		return op.commit()
	})
}

// Deposit credits amount of asset to caller's supply and pulls the tokens
// into custody.
func (e *Engine) Deposit(caller, asset common.Address, amount *uint256.Int) error {
	return e.execute(ActionSupply, func(op *operation) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}
		pos, err := op.position(caller, asset)
		if err != nil {
			return err
		}
		minted, err := scaledDown(amount, market.SupplyIndex)
		if err != nil {
			return err
		}
		if pos.ScaledSupply, err = checkedAdd(pos.ScaledSupply, minted); err != nil {
			return err
		}
		if market.TotalSupply, err = checkedAdd(market.TotalSupply, amount); err != nil {
			return err
		}
		op.setPosition(caller, asset, pos)
		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Pull(asset, caller, amount); err != nil {
			return fmt.Errorf("lending engine: pull deposit: %w", err)
		}
		op.emit(events.LendingDeposit{User: caller, Asset: asset, Amount: amount.Clone()})
		return nil
	})
}

// Withdraw releases amount of caller's supplied asset. Accounts carrying debt
// must remain at a health factor of at least 100% afterwards, evaluated over
// the named assets together with every market the account participates in.
func (e *Engine) Withdraw(caller, asset common.Address, amount *uint256.Int, collateralAssets, debtAssets []common.Address) error {
	return e.execute(ActionWithdraw, func(op *operation) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}
		pos, err := op.position(caller, asset)
		if err != nil {
			return err
		}
		supplied, err := underlying(pos.ScaledSupply, market.SupplyIndex)
		if err != nil {
			return err
		}
		if supplied.Lt(amount) {
			return ErrInsufficientBalance
		}
		if market.Cash().Lt(amount) {
			return ErrInsufficientLiquidity
		}

		burned, err := scaledUp(amount, market.SupplyIndex)
		if err != nil {
			return err
		}
		if amount.Eq(supplied) || burned.Gt(pos.ScaledSupply) {
			burned = pos.ScaledSupply.Clone()
		}
		if pos.ScaledSupply, err = checkedSub(pos.ScaledSupply, burned); err != nil {
			return err
		}
		market.TotalSupply = saturatingSub(market.TotalSupply, amount)
		op.setPosition(caller, asset, pos)

		universe, err := op.accountUniverse(caller, collateralAssets, debtAssets)
		if err != nil {
			return err
		}
		health, err := op.healthFactor(caller, universe, universe)
		if err != nil {
			return err
		}
		if health.Lt(basisPoints) {
			return ErrUndercollateralized
		}

		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Push(asset, caller, amount); err != nil {
			return fmt.Errorf("lending engine: push withdrawal: %w", err)
		}
		op.emit(events.LendingWithdraw{User: caller, Asset: asset, Amount: amount.Clone()})
		return nil
	})
}

// Borrow draws amount of asset against caller's collateral.
func (e *Engine) Borrow(caller, asset common.Address, amount *uint256.Int, collateralAssets []common.Address) error {
	return e.execute(ActionBorrow, func(op *operation) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}
		idle := saturatingSub(market.TotalSupply, market.TotalBorrows)
		if idle.Lt(amount) {
			return ErrInsufficientLiquidity
		}

		universe, err := op.accountUniverse(caller, collateralAssets, []common.Address{asset})
		if err != nil {
			return err
		}
		summary, err := op.summary(caller, universe, universe)
		if err != nil {
			return err
		}
		requested, err := op.valueUSD(market, amount)
		if err != nil {
			return err
		}
		totalDebt, err := checkedAdd(summary.BorrowedUSD, requested)
		if err != nil {
			return err
		}
		if totalDebt.Gt(summary.BorrowingPowerUSD) {
			return ErrExceedsBorrowPower
		}

		pos, err := op.position(caller, asset)
		if err != nil {
			return err
		}
		minted, err := scaledUp(amount, market.BorrowIndex)
		if err != nil {
			return err
		}
		if pos.ScaledBorrow, err = checkedAdd(pos.ScaledBorrow, minted); err != nil {
			return err
		}
		if market.TotalBorrows, err = checkedAdd(market.TotalBorrows, amount); err != nil {
			return err
		}
		op.setPosition(caller, asset, pos)
		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Push(asset, caller, amount); err != nil {
			return fmt.Errorf("lending engine: push borrow: %w", err)
		}
		op.emit(events.LendingBorrow{User: caller, Asset: asset, Amount: amount.Clone()})
		return nil
	})
}

// Repay settles up to amount of onBehalfOf's debt in asset, pulling the
// tokens from caller. The amount actually applied is returned; repaying an
// account without debt returns zero and changes nothing.
func (e *Engine) Repay(caller, asset common.Address, amount *uint256.Int, onBehalfOf common.Address) (*uint256.Int, error) {
	var repaid *uint256.Int
	err := e.execute(ActionRepay, func(op *operation) error {
		if err := requirePositive(amount); err != nil {
			return err
		}
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}
		pos, err := op.position(onBehalfOf, asset)
		if err != nil {
			return err
		}
		effective, err := op.reduceDebt(market, pos, amount)
		if err != nil {
			return err
		}
		repaid = effective
		if effective.IsZero() {
			return op.commit()
		}
		op.setPosition(onBehalfOf, asset, pos)
		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Pull(asset, caller, effective); err != nil {
			return fmt.Errorf("lending engine: pull repayment: %w", err)
		}
		op.emit(events.LendingRepay{Payer: caller, OnBehalfOf: onBehalfOf, Asset: asset, Amount: effective.Clone()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// WithdrawReserves transfers accumulated protocol reserves of asset to the
// recipient. Owner only.
func (e *Engine) WithdrawReserves(caller, asset common.Address, amount *uint256.Int, to common.Address) error {
	return e.execute("", func(op *operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if err := requirePositive(amount); err != nil {
			return err
		}
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		if e.assets == nil {
			return errNilAssets
		}
		if market.TotalReserves.Lt(amount) {
			return ErrInsufficientBalance
		}
		if market.Cash().Lt(amount) {
			return ErrInsufficientLiquidity
		}
		market.TotalReserves = new(uint256.Int).Sub(market.TotalReserves, amount)
		if err := op.commit(); err != nil {
			return err
		}
		if err := e.assets.Push(asset, to, amount); err != nil {
			return fmt.Errorf("lending engine: push reserves: %w", err)
		}
		op.emit(events.LendingReservesWithdrawn{Asset: asset, To: to, Amount: amount.Clone()})
		return nil
	})
}

// SetCollateralConfig updates an asset's collateral weights. Owner only.
func (e *Engine) SetCollateralConfig(caller, asset common.Address, cfg CollateralConfig) error {
	return e.execute("", func(*operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if e.risk.Collateral == nil {
			e.risk.Collateral = make(map[common.Address]CollateralConfig)
		}
		e.risk.Collateral[asset] = cfg
		return nil
	})
}

// SetLiquidationParams updates the close factor and liquidation bonus. Owner
// only.
func (e *Engine) SetLiquidationParams(caller common.Address, params LiquidationParams) error {
	return e.execute("", func(*operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if err := params.Validate(); err != nil {
			return err
		}
		e.risk.Liquidation = params
		return nil
	})
}

// SetActionPauses replaces the per-action pause switches. Owner only.
func (e *Engine) SetActionPauses(caller common.Address, pauses ActionPauses) error {
	return e.execute("", func(*operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		e.risk.Pauses = pauses
		return nil
	})
}

// TransferOwnership hands the admin role to next. Owner only.
func (e *Engine) TransferOwnership(caller, next common.Address) error {
	return e.execute("", func(*operation) error {
		if err := e.requireOwner(caller); err != nil {
			return err
		}
		if next == (common.Address{}) {
			return fmt.Errorf("%w: owner must not be the zero address", ErrInvalidArgument)
		}
		e.risk.Owner = next
		return nil
	})
}

// Market returns the accrued view of asset's market.
func (e *Engine) Market(asset common.Address) (*Market, error) {
	var out *Market
	err := e.view(func(op *operation) error {
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		out = market.Clone()
		return nil
	})
	return out, err
}

// Markets lists every listed asset in listing order.
func (e *Engine) Markets() ([]common.Address, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.ListedAssets()
}

// Supplied returns user's current supply balance in asset, including credited
// interest.
func (e *Engine) Supplied(user, asset common.Address) (*uint256.Int, error) {
	view, err := e.Position(user, asset)
	if err != nil {
		return nil, err
	}
	return view.Supplied, nil
}

// Borrowed returns user's current debt in asset, including accrued interest.
func (e *Engine) Borrowed(user, asset common.Address) (*uint256.Int, error) {
	view, err := e.Position(user, asset)
	if err != nil {
		return nil, err
	}
	return view.Borrowed, nil
}

// Position returns user's supply and debt in asset. Absent positions read as
// zero.
func (e *Engine) Position(user, asset common.Address) (PositionView, error) {
	var out PositionView
	err := e.view(func(op *operation) error {
		market, err := op.market(asset)
		if err != nil {
			return err
		}
		out, err = op.positionView(market, user)
		return err
	})
	return out, err
}
