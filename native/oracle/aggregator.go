package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrNoFreshQuote indicates that none of the registered sources produced a
// quote within the freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// Aggregator consults registered sources in priority order until a fresh,
// positive quote is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	sources  map[string]Source
	maxAge   time.Duration
	now      func() time.Time
}

// NewAggregator constructs an aggregator with the given freshness window. A
// zero maxAge accepts quotes of any age.
func NewAggregator(maxAge time.Duration) *Aggregator {
	return &Aggregator{
		sources: make(map[string]Source),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// SetClock overrides the time source used for freshness checks.
func (a *Aggregator) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Register appends a named source to the priority list. Registering an
// existing name replaces the source in place.
func (a *Aggregator) Register(name string, source Source) {
	if a == nil || source == nil || name == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sources[name]; !ok {
		a.priority = append(a.priority, name)
	}
	a.sources[name] = source
}

// Quote returns the first fresh quote from the priority list.
func (a *Aggregator) Quote(asset common.Address) (Quote, error) {
	if a == nil {
		return Quote{}, fmt.Errorf("oracle aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	sources := make(map[string]Source, len(a.sources))
	for name, src := range a.sources {
		sources[name] = src
	}
	now, maxAge := a.now, a.maxAge
	a.mu.RUnlock()

	var errs []error
	for _, name := range priority {
		quote, err := sources[name].Quote(asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if quote.Price == nil || quote.Price.IsZero() {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrInvalidPrice))
			continue
		}
		if maxAge > 0 && now().Sub(quote.Timestamp) > maxAge {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrStalePrice))
			continue
		}
		if quote.Source == "" {
			quote.Source = name
		}
		return quote, nil
	}
	if len(errs) == 0 {
		return Quote{}, fmt.Errorf("%w for %s: no sources registered", ErrNoFreshQuote, asset.Hex())
	}
	return Quote{}, fmt.Errorf("%w for %s: %w", ErrNoFreshQuote, asset.Hex(), errors.Join(errs...))
}

// GetPrice implements the lending engine's price provider contract.
func (a *Aggregator) GetPrice(asset common.Address) (*uint256.Int, error) {
	quote, err := a.Quote(asset)
	if err != nil {
		return nil, err
	}
	return quote.Price, nil
}
