package lending

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceProvider reports the USD price of one whole unit of an asset, scaled
// by 1e18. Unknown or stale prices must return an error.
type PriceProvider interface {
	GetPrice(asset common.Address) (*uint256.Int, error)
}

// AssetTransfer moves underlying tokens between accounts and the pool. Pull
// and Push fail without side effects when the transfer cannot be completed.
type AssetTransfer interface {
	Decimals(asset common.Address) (uint8, error)
	Pull(asset, from common.Address, amount *uint256.Int) error
	Push(asset, to common.Address, amount *uint256.Int) error
}
