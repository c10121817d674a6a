// Package tokens implements an in-memory fungible token ledger with
// ERC20-style balances and allowances. The lending service uses it as the
// custody backend behind the engine's asset transfer contract.
package tokens

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownAsset          = errors.New("tokens: unknown asset")
	ErrAssetExists           = errors.New("tokens: asset already registered")
	ErrInsufficientBalance   = errors.New("tokens: insufficient balance")
	ErrInsufficientAllowance = errors.New("tokens: insufficient allowance")
	ErrInvalidAmount         = errors.New("tokens: amount must be positive")
)

// Token describes a registered asset.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type token struct {
	meta       Token
	supply     *uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int
}

// Ledger holds balances for every registered asset. Pull and Push move tokens
// between accounts and the custody address, which is the spender every owner
// must approve before depositing or repaying.
type Ledger struct {
	mu      sync.RWMutex
	custody common.Address
	tokens  map[common.Address]*token
}

// NewLedger constructs an empty ledger whose pool funds sit at custody.
func NewLedger(custody common.Address) *Ledger {
	return &Ledger{custody: custody, tokens: make(map[common.Address]*token)}
}

// Custody returns the pool address.
func (l *Ledger) Custody() common.Address { return l.custody }

// Register adds a new asset.
func (l *Ledger) Register(asset common.Address, symbol string, decimals uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[asset]; ok {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset.Hex())
	}
	l.tokens[asset] = &token{
		meta:       Token{Address: asset, Symbol: strings.ToUpper(strings.TrimSpace(symbol)), Decimals: decimals},
		supply:     new(uint256.Int),
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
	return nil
}

// Tokens lists registered assets ordered by symbol.
func (l *Ledger) Tokens() []Token {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Token, 0, len(l.tokens))
	for _, t := range l.tokens {
		out = append(out, t.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Lookup resolves a registered asset by symbol, case-insensitively.
func (l *Ledger) Lookup(symbol string) (Token, bool) {
	want := strings.ToUpper(strings.TrimSpace(symbol))
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.tokens {
		if t.meta.Symbol == want {
			return t.meta, true
		}
	}
	return Token{}, false
}

func (l *Ledger) get(asset common.Address) (*token, error) {
	t, ok := l.tokens[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return t, nil
}

func balanceOf(t *token, owner common.Address) *uint256.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}

func allowanceOf(t *token, owner, spender common.Address) *uint256.Int {
	if spenders, ok := t.allowances[owner]; ok {
		if a, ok := spenders[spender]; ok {
			return a
		}
	}
	return new(uint256.Int)
}

// Decimals reports the precision of asset.
func (l *Ledger) Decimals(asset common.Address) (uint8, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, err := l.get(asset)
	if err != nil {
		return 0, err
	}
	return t.meta.Decimals, nil
}

// Mint credits amount of asset to owner.
func (l *Ledger) Mint(asset, owner common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.get(asset)
	if err != nil {
		return err
	}
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, amount)
	if overflow {
		return fmt.Errorf("tokens: supply overflow for %s", t.meta.Symbol)
	}
	t.supply = supply
	t.balances[owner] = new(uint256.Int).Add(balanceOf(t, owner), amount)
	return nil
}

// Approve sets spender's allowance over owner's asset balance.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.get(asset)
	if err != nil {
		return err
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	if _, ok := t.allowances[owner]; !ok {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount.Clone()
	return nil
}

// Allowance reports spender's remaining allowance over owner's asset.
func (l *Ledger) Allowance(asset, owner, spender common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, err := l.get(asset)
	if err != nil {
		return nil, err
	}
	return allowanceOf(t, owner, spender).Clone(), nil
}

// BalanceOf reports owner's asset balance.
func (l *Ledger) BalanceOf(asset, owner common.Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, err := l.get(asset)
	if err != nil {
		return nil, err
	}
	return balanceOf(t, owner).Clone(), nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.get(asset)
	if err != nil {
		return err
	}
	return move(t, from, to, amount)
}

func move(t *token, from, to common.Address, amount *uint256.Int) error {
	fromBal := balanceOf(t, from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s %s", ErrInsufficientBalance, from.Hex(), fromBal.Dec(), t.meta.Symbol)
	}
	t.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	t.balances[to] = new(uint256.Int).Add(balanceOf(t, to), amount)
	return nil
}

// Pull moves amount from the owner into custody, spending the allowance the
// owner granted to the custody address.
func (l *Ledger) Pull(asset, from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.get(asset)
	if err != nil {
		return err
	}
	allowed := allowanceOf(t, from, l.custody)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s approved %s %s", ErrInsufficientAllowance, from.Hex(), allowed.Dec(), t.meta.Symbol)
	}
	if err := move(t, from, l.custody, amount); err != nil {
		return err
	}
	t.allowances[from][l.custody] = new(uint256.Int).Sub(allowed, amount)
	return nil
}

// Push pays amount out of custody to the recipient.
func (l *Ledger) Push(asset, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, err := l.get(asset)
	if err != nil {
		return err
	}
	return move(t, l.custody, to, amount)
}
