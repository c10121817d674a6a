package lending

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/amount"
)

// Config captures the genesis configuration for the lending markets: the
// owner, the protocol-wide liquidation parameters and the markets to list at
// start-up.
type Config struct {
	Owner       string            `toml:"Owner"`
	Liquidation LiquidationParams `toml:"liquidation"`
	Pauses      ActionPauses      `toml:"pauses"`
	Markets     []MarketConfig    `toml:"markets"`
}

// MarketConfig describes one market to list.
type MarketConfig struct {
	Symbol   string `toml:"Symbol"`
	Address  string `toml:"Address"`
	Decimals uint8  `toml:"Decimals"`
	// PriceUSD seeds the manual oracle, e.g. "2000".
	PriceUSD         string           `toml:"PriceUSD"`
	ReserveFactorBps uint64           `toml:"ReserveFactorBps"`
	Collateral       CollateralConfig `toml:"collateral"`
	RateModel        RateModelConfig  `toml:"rateModel"`
}

// RateModelConfig selects and parameterises an interest rate model. Rates are
// decimal strings either per second (e.g. "0.000001") or annualised; per-second
// values win when both are set.
type RateModelConfig struct {
	Kind string `toml:"Kind"`

	BasePerSecond   string `toml:"BasePerSecond"`
	SlopePerSecond  string `toml:"SlopePerSecond"`
	Slope2PerSecond string `toml:"Slope2PerSecond"`

	BaseAPR   string `toml:"BaseAPR"`
	SlopeAPR  string `toml:"SlopeAPR"`
	Slope2APR string `toml:"Slope2APR"`
	Kink      string `toml:"Kink"`
}

const (
	RateModelLinear = "linear"
	RateModelKinked = "kinked"
)

func parseRate(perSecond, apr string) (*uint256.Int, error) {
	if strings.TrimSpace(perSecond) != "" {
		return amount.ParseUnits(perSecond, amount.WADDecimals)
	}
	if strings.TrimSpace(apr) != "" {
		return amount.RatePerSecondFromAPR(apr)
	}
	return new(uint256.Int), nil
}

// Build constructs the configured model.
func (c RateModelConfig) Build() (InterestRateModel, error) {
	base, err := parseRate(c.BasePerSecond, c.BaseAPR)
	if err != nil {
		return nil, fmt.Errorf("rate model base: %w", err)
	}
	slope, err := parseRate(c.SlopePerSecond, c.SlopeAPR)
	if err != nil {
		return nil, fmt.Errorf("rate model slope: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Kind)) {
	case "", RateModelLinear:
		return NewLinearRateModel(base, slope), nil
	case RateModelKinked:
		slope2, err := parseRate(c.Slope2PerSecond, c.Slope2APR)
		if err != nil {
			return nil, fmt.Errorf("rate model slope2: %w", err)
		}
		kink, err := parseRate(c.Kink, "")
		if err != nil {
			return nil, fmt.Errorf("rate model kink: %w", err)
		}
		model := &KinkedRateModel{Base: base, Slope1: slope, Slope2: slope2, Kink: kink}
		if err := model.Validate(); err != nil {
			return nil, err
		}
		return model, nil
	default:
		return nil, fmt.Errorf("%w: unknown rate model %q", ErrInvalidArgument, c.Kind)
	}
}

// Validate checks the static configuration without touching any engine.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.Owner) {
		return fmt.Errorf("%w: owner %q is not a hex address", ErrInvalidArgument, c.Owner)
	}
	if err := c.Liquidation.Validate(); err != nil {
		return err
	}
	seen := make(map[common.Address]struct{}, len(c.Markets))
	for i, m := range c.Markets {
		if strings.TrimSpace(m.Symbol) == "" {
			return fmt.Errorf("%w: market %d missing symbol", ErrInvalidArgument, i)
		}
		if !common.IsHexAddress(m.Address) {
			return fmt.Errorf("%w: market %s address %q", ErrInvalidArgument, m.Symbol, m.Address)
		}
		addr := common.HexToAddress(m.Address)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("%w: market %s listed twice", ErrInvalidArgument, m.Symbol)
		}
		seen[addr] = struct{}{}
		if m.Decimals > maxDecimals {
			return fmt.Errorf("%w: market %s decimals %d", ErrInvalidArgument, m.Symbol, m.Decimals)
		}
		if m.ReserveFactorBps > 10_000 {
			return fmt.Errorf("%w: market %s reserve factor %d bps", ErrInvalidArgument, m.Symbol, m.ReserveFactorBps)
		}
		if err := m.Collateral.Validate(); err != nil {
			return fmt.Errorf("market %s: %w", m.Symbol, err)
		}
		if _, err := m.RateModel.Build(); err != nil {
			return fmt.Errorf("market %s: %w", m.Symbol, err)
		}
	}
	return nil
}

// Apply lists every configured market on engine and installs its collateral
// weights and the pause switches. Markets that are already listed are
// skipped so Apply can be replayed on restart.
func (c Config) Apply(engine *Engine) error {
	if err := c.Validate(); err != nil {
		return err
	}
	owner := common.HexToAddress(c.Owner)
	for _, m := range c.Markets {
		asset := common.HexToAddress(m.Address)
		model, err := m.RateModel.Build()
		if err != nil {
			return err
		}
		if err := engine.ListMarket(owner, asset, model, m.ReserveFactorBps); err != nil && !isAlreadyListed(err) {
			return fmt.Errorf("list %s: %w", m.Symbol, err)
		}
		if err := engine.SetCollateralConfig(owner, asset, m.Collateral); err != nil {
			return fmt.Errorf("collateral %s: %w", m.Symbol, err)
		}
	}
	if err := engine.SetLiquidationParams(owner, c.Liquidation); err != nil {
		return err
	}
	return engine.SetActionPauses(owner, c.Pauses)
}

func isAlreadyListed(err error) bool {
	return CodeOf(err) == ErrAlreadyListed.Code
}
