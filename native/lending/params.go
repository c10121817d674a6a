package lending

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CollateralConfig sets how much of an asset's value counts toward borrowing
// and toward liquidation safety.
type CollateralConfig struct {
	// LTVBps is the share of collateral value that may be borrowed against.
	LTVBps uint64 `toml:"LTVBps" yaml:"ltvBps"`
	// LiquidationThresholdBps is the share of collateral value at which the
	// account becomes liquidatable.
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps" yaml:"liquidationThresholdBps"`
}

// Validate enforces ltv ≤ threshold ≤ 100%.
func (c CollateralConfig) Validate() error {
	if c.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("%w: liquidation threshold %d bps above 100%%", ErrInvalidArgument, c.LiquidationThresholdBps)
	}
	if c.LTVBps > c.LiquidationThresholdBps {
		return fmt.Errorf("%w: ltv %d bps above liquidation threshold %d bps", ErrInvalidArgument, c.LTVBps, c.LiquidationThresholdBps)
	}
	return nil
}

// LiquidationParams are the protocol-wide liquidation knobs.
type LiquidationParams struct {
	// CloseFactorBps caps the share of a borrower's debt repayable in one call.
	CloseFactorBps uint64 `toml:"CloseFactorBps" yaml:"closeFactorBps"`
	// LiquidationBonusBps is the collateral premium paid to liquidators and
	// must exceed 100%.
	LiquidationBonusBps uint64 `toml:"LiquidationBonusBps" yaml:"liquidationBonusBps"`
}

func (p LiquidationParams) Validate() error {
	if p.CloseFactorBps == 0 || p.CloseFactorBps > 10_000 {
		return fmt.Errorf("%w: close factor %d bps outside (0, 10000]", ErrInvalidArgument, p.CloseFactorBps)
	}
	if p.LiquidationBonusBps <= 10_000 {
		return fmt.Errorf("%w: liquidation bonus %d bps must exceed 10000", ErrInvalidArgument, p.LiquidationBonusBps)
	}
	return nil
}

// ActionPauses exposes fine-grained switches for pausing individual lending flows.
type ActionPauses struct {
	Supply    bool `toml:"Supply" yaml:"supply"`
	Withdraw  bool `toml:"Withdraw" yaml:"withdraw"`
	Borrow    bool `toml:"Borrow" yaml:"borrow"`
	Repay     bool `toml:"Repay" yaml:"repay"`
	Liquidate bool `toml:"Liquidate" yaml:"liquidate"`
}

// Action names used for pause checks and metrics labels.
const (
	ActionSupply    = "supply"
	ActionWithdraw  = "withdraw"
	ActionBorrow    = "borrow"
	ActionRepay     = "repay"
	ActionLiquidate = "liquidate"
)

// IsPaused implements common.PauseView keyed by action name.
func (p ActionPauses) IsPaused(action string) bool {
	switch action {
	case ActionSupply:
		return p.Supply
	case ActionWithdraw:
		return p.Withdraw
	case ActionBorrow:
		return p.Borrow
	case ActionRepay:
		return p.Repay
	case ActionLiquidate:
		return p.Liquidate
	default:
		return false
	}
}

// RiskConfig is the owner-controlled configuration shared by every market.
type RiskConfig struct {
	Owner       common.Address
	Liquidation LiquidationParams
	Collateral  map[common.Address]CollateralConfig
	Pauses      ActionPauses
}

// Clone returns a deep copy of the risk configuration.
func (c RiskConfig) Clone() RiskConfig {
	clone := c
	clone.Collateral = make(map[common.Address]CollateralConfig, len(c.Collateral))
	for asset, cfg := range c.Collateral {
		clone.Collateral[asset] = cfg
	}
	return clone
}

// Validate checks the liquidation parameters and every collateral entry.
func (c RiskConfig) Validate() error {
	if err := c.Liquidation.Validate(); err != nil {
		return err
	}
	for asset, cfg := range c.Collateral {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("collateral %s: %w", asset.Hex(), err)
		}
	}
	return nil
}
