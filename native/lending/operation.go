package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/events"
)

// operation caches the markets and positions touched by a single engine call.
// Markets are accrued once, on first load, so every decision within the call
// observes the same state. Nothing reaches the ledger until commit.
type operation struct {
	engine    *Engine
	now       uint64
	markets   map[common.Address]*Market
	order     []common.Address
	positions map[positionKey]*Position
	dirty     []positionKey
	events    []events.Event
}

func newOperation(e *Engine) *operation {
	return &operation{
		engine:    e,
		now:       e.timestamp(),
		markets:   make(map[common.Address]*Market),
		positions: make(map[positionKey]*Position),
	}
}

func (op *operation) market(asset common.Address) (*Market, error) {
	if m, ok := op.markets[asset]; ok {
		return m, nil
	}
	m, err := op.engine.state.GetMarket(asset)
	if err != nil {
		return nil, err
	}
	if m == nil || !m.Listed {
		return nil, ErrMarketNotListed
	}
	if err := accrueMarket(m, op.now); err != nil {
		return nil, err
	}
	op.markets[asset] = m
	op.order = append(op.order, asset)
	return m, nil
}

// position returns the cached position for (user, asset). Repeated lookups of
// the same key share one value so aliasing accounts stay consistent.
func (op *operation) position(user, asset common.Address) (*Position, error) {
	key := positionKey{user: user, asset: asset}
	if p, ok := op.positions[key]; ok {
		return p, nil
	}
	p, err := op.engine.state.GetPosition(user, asset)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Position{}
	}
	p.ScaledSupply = orZero(p.ScaledSupply)
	p.ScaledBorrow = orZero(p.ScaledBorrow)
	op.positions[key] = p
	return p, nil
}

func (op *operation) setPosition(user, asset common.Address, p *Position) {
	key := positionKey{user: user, asset: asset}
	op.positions[key] = p
	for _, k := range op.dirty {
		if k == key {
			return
		}
	}
	op.dirty = append(op.dirty, key)
}

func (op *operation) positionView(market *Market, user common.Address) (PositionView, error) {
	p, err := op.position(user, market.Asset)
	if err != nil {
		return PositionView{}, err
	}
	supplied, err := underlying(p.ScaledSupply, market.SupplyIndex)
	if err != nil {
		return PositionView{}, err
	}
	borrowed, err := underlying(p.ScaledBorrow, market.BorrowIndex)
	if err != nil {
		return PositionView{}, err
	}
	return PositionView{Supplied: supplied, Borrowed: borrowed}, nil
}

// reduceDebt applies up to amount against p's debt and returns the amount
// applied.
func (op *operation) reduceDebt(market *Market, p *Position, amount *uint256.Int) (*uint256.Int, error) {
	debt, err := underlying(p.ScaledBorrow, market.BorrowIndex)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return zero(), nil
	}
	effective := minInt(amount, debt)
	burned := p.ScaledBorrow.Clone()
	if effective.Lt(debt) {
		if burned, err = scaledDown(effective, market.BorrowIndex); err != nil {
			return nil, err
		}
		if burned.Gt(p.ScaledBorrow) {
			burned = p.ScaledBorrow.Clone()
		}
	}
	if p.ScaledBorrow, err = checkedSub(p.ScaledBorrow, burned); err != nil {
		return nil, err
	}
	market.TotalBorrows = saturatingSub(market.TotalBorrows, effective)
	return effective, nil
}

// accountUniverse merges the caller-named assets with every market user has
// a position in, dropping duplicates and keeping first-seen order.
func (op *operation) accountUniverse(user common.Address, lists ...[]common.Address) ([]common.Address, error) {
	tracked, err := op.engine.state.AccountAssets(user)
	if err != nil {
		return nil, err
	}
	return dedupe(append(lists, tracked)...), nil
}

func dedupe(lists ...[]common.Address) []common.Address {
	seen := make(map[common.Address]struct{})
	var out []common.Address
	for _, list := range lists {
		for _, asset := range list {
			if _, ok := seen[asset]; ok {
				continue
			}
			seen[asset] = struct{}{}
			out = append(out, asset)
		}
	}
	return out
}

func (op *operation) commit() error {
	state := op.engine.state
	for _, asset := range op.order {
		if err := state.PutMarket(op.markets[asset]); err != nil {
			return err
		}
	}
	for _, key := range op.dirty {
		if err := state.PutPosition(key.user, key.asset, op.positions[key]); err != nil {
			return err
		}
	}
	return nil
}

func (op *operation) emit(evt events.Event) {
	op.events = append(op.events, evt)
}
