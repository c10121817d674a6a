package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"lendingcore/core/types"
)

// Typed is implemented by events that render into the wire-level event shape.
type Typed interface {
	EventType() string
	Event() *types.Event
}

func formatAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func formatAmount(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.Dec()
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
