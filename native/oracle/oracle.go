// Package oracle provides USD price sources for the lending engine.
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/amount"
)

var (
	// ErrPriceNotSet is returned when no quote is recorded for an asset.
	ErrPriceNotSet = errors.New("oracle: price not set")
	// ErrStalePrice is returned when the newest quote is older than the
	// configured maximum age.
	ErrStalePrice = errors.New("oracle: price stale")
	// ErrInvalidPrice rejects zero prices and out-of-range drops.
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Quote is a USD price with 18 fractional digits and its observation time.
type Quote struct {
	Price     *uint256.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Price != nil {
		clone.Price = q.Price.Clone()
	}
	return clone
}

// Source is a feed that can report the latest quote for an asset.
type Source interface {
	Quote(asset common.Address) (Quote, error)
}

// Manual stores operator-set prices. It backs local deployments and tests.
type Manual struct {
	mu     sync.RWMutex
	quotes map[common.Address]Quote
	maxAge time.Duration
	now    func() time.Time
}

// NewManual constructs an empty manual oracle. A zero maxAge disables the
// staleness check.
func NewManual(maxAge time.Duration) *Manual {
	return &Manual{
		quotes: make(map[common.Address]Quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetClock overrides the time source used for staleness checks and
// timestamps.
func (m *Manual) SetClock(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetPrice records price (18 fractional digits) for asset at the current time.
func (m *Manual) SetPrice(asset common.Address, price *uint256.Int) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	if price == nil || price.IsZero() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[asset] = Quote{Price: price.Clone(), Timestamp: m.now(), Source: "manual"}
	return nil
}

// SetDecimal records a decimal USD price such as "2000" or "0.9998".
func (m *Manual) SetDecimal(asset common.Address, price string) error {
	parsed, err := amount.ParseUnits(price, amount.WADDecimals)
	if err != nil {
		return fmt.Errorf("manual oracle: %w", err)
	}
	return m.SetPrice(asset, parsed)
}

// SimulatePriceDrop lowers asset's price by pct percent, for stress testing.
func (m *Manual) SimulatePriceDrop(asset common.Address, pct uint64) error {
	if m == nil {
		return fmt.Errorf("manual oracle not configured")
	}
	if pct >= 100 {
		return fmt.Errorf("%w: drop of %d%% leaves no price", ErrInvalidPrice, pct)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.quotes[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPriceNotSet, asset.Hex())
	}
	dropped := new(uint256.Int).Mul(current.Price, uint256.NewInt(100-pct))
	dropped.Div(dropped, uint256.NewInt(100))
	if dropped.IsZero() {
		return fmt.Errorf("%w: drop rounds price to zero", ErrInvalidPrice)
	}
	m.quotes[asset] = Quote{Price: dropped, Timestamp: m.now(), Source: "manual"}
	return nil
}

// Quote returns the stored quote for asset.
func (m *Manual) Quote(asset common.Address) (Quote, error) {
	if m == nil {
		return Quote{}, fmt.Errorf("manual oracle not configured")
	}
	m.mu.RLock()
	stored, ok := m.quotes[asset]
	now, maxAge := m.now, m.maxAge
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrPriceNotSet, asset.Hex())
	}
	if maxAge > 0 && now().Sub(stored.Timestamp) > maxAge {
		return Quote{}, fmt.Errorf("%w: %s observed %s", ErrStalePrice, asset.Hex(), stored.Timestamp.UTC().Format(time.RFC3339))
	}
	return stored.Clone(), nil
}

// GetPrice implements the lending engine's price provider contract.
func (m *Manual) GetPrice(asset common.Address) (*uint256.Int, error) {
	quote, err := m.Quote(asset)
	if err != nil {
		return nil, err
	}
	return quote.Price, nil
}
