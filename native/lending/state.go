package lending

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// engineState is the ledger abstraction the engine reads and writes. Getters
// return copies; absent entries are reported as nil without error. Snapshot
// and RevertToSnapshot give each operation all-or-nothing semantics, and
// Finalise drops the undo journal once an operation commits.
type engineState interface {
	GetMarket(asset common.Address) (*Market, error)
	PutMarket(market *Market) error
	ListedAssets() ([]common.Address, error)
	GetPosition(user, asset common.Address) (*Position, error)
	PutPosition(user, asset common.Address, position *Position) error
	AccountAssets(user common.Address) ([]common.Address, error)
	Snapshot() int
	RevertToSnapshot(id int)
	Finalise()
}

type positionKey struct {
	user  common.Address
	asset common.Address
}

// MemoryState is the in-memory ledger used by the engine and the hosted
// service. It journals every write so a failed operation can be rolled back.
type MemoryState struct {
	mu        sync.RWMutex
	markets   map[common.Address]*Market
	listed    []common.Address
	positions map[positionKey]*Position
	accounts  map[common.Address][]common.Address
	journal   []func()
}

// NewMemoryState returns an empty ledger.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		markets:   make(map[common.Address]*Market),
		positions: make(map[positionKey]*Position),
		accounts:  make(map[common.Address][]common.Address),
	}
}

func (s *MemoryState) GetMarket(asset common.Address) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[asset].Clone(), nil
}

func (s *MemoryState) PutMarket(market *Market) error {
	if market == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	asset := market.Asset
	prev, existed := s.markets[asset]
	s.markets[asset] = market.Clone()
	if !existed {
		s.listed = append(s.listed, asset)
	}
	s.journal = append(s.journal, func() {
		if existed {
			s.markets[asset] = prev
			return
		}
		delete(s.markets, asset)
		s.listed = s.listed[:len(s.listed)-1]
	})
	return nil
}

func (s *MemoryState) ListedAssets() ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.Address(nil), s.listed...), nil
}

func (s *MemoryState) GetPosition(user, asset common.Address) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[positionKey{user: user, asset: asset}].Clone(), nil
}

func (s *MemoryState) PutPosition(user, asset common.Address, position *Position) error {
	if position == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{user: user, asset: asset}
	prev, existed := s.positions[key]
	s.positions[key] = position.Clone()
	if !existed {
		s.accounts[user] = append(s.accounts[user], asset)
	}
	s.journal = append(s.journal, func() {
		if existed {
			s.positions[key] = prev
			return
		}
		delete(s.positions, key)
		assets := s.accounts[user]
		if len(assets) <= 1 {
			delete(s.accounts, user)
			return
		}
		s.accounts[user] = assets[:len(assets)-1]
	})
	return nil
}

// AccountAssets lists the markets in which user has a materialized position,
// in the order they were first touched.
func (s *MemoryState) AccountAssets(user common.Address) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]common.Address(nil), s.accounts[user]...), nil
}

func (s *MemoryState) Snapshot() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.journal)
}

func (s *MemoryState) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 {
		id = 0
	}
	for i := len(s.journal) - 1; i >= id; i-- {
		s.journal[i]()
	}
	if id < len(s.journal) {
		s.journal = s.journal[:id]
	}
}

func (s *MemoryState) Finalise() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = s.journal[:0]
}
