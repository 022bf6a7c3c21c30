package lending

import (
	"bytes"
	"sort"
	"sync"

	"vaultchain/crypto"
	"vaultchain/storage"
)

type engineState interface {
	GetMarket(poolID string) (*Market, error)
	PutMarket(poolID string, market *Market) error
	GetPosition(poolID string, addr crypto.Address) (*Position, error)
	PutPosition(poolID string, addr crypto.Address, position *Position) error
}

// MemoryState is an in-memory engineState that can be checkpointed into a
// storage.Database.
type MemoryState struct {
	mu        sync.RWMutex
	markets   map[string]*Market
	positions map[string]map[crypto.Address]*Position
}

// NewMemoryState returns an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		markets:   make(map[string]*Market),
		positions: make(map[string]map[crypto.Address]*Position),
	}
}

func (s *MemoryState) GetMarket(poolID string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.markets[poolID]; ok {
		return m.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryState) PutMarket(poolID string, market *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[poolID] = market.Clone()
	return nil
}

func (s *MemoryState) GetPosition(poolID string, addr crypto.Address) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if pos, ok := s.positions[poolID][addr]; ok {
		return pos.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryState) PutPosition(poolID string, addr crypto.Address, position *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.positions[poolID]
	if !ok {
		pool = make(map[crypto.Address]*Position)
		s.positions[poolID] = pool
	}
	pool[addr] = position.Clone()
	return nil
}

type positionRecord struct {
	Account  []byte
	Position *Position
}

type poolRecord struct {
	Market    *Market
	Positions []positionRecord
}

func poolKey(poolID string) []byte {
	return storage.Key("lending", poolID)
}

// Save writes the pool's market and positions under lending/<pool>.
func (s *MemoryState) Save(db storage.Database, poolID string) error {
	s.mu.RLock()
	record := poolRecord{Market: s.markets[poolID].Clone()}
	for addr, pos := range s.positions[poolID] {
		record.Positions = append(record.Positions, positionRecord{Account: addr.Bytes(), Position: pos.Clone()})
	}
	s.mu.RUnlock()
	if record.Market == nil {
		record.Market = &Market{}
	}
	record.Market.ensureDefaults()
	for _, p := range record.Positions {
		p.Position.ensureDefaults()
	}
	sortPositions(record.Positions)
	return storage.PutRLP(db, poolKey(poolID), &record)
}

// Load replaces the pool's state from db. It reports false when nothing was
// stored for the pool.
func (s *MemoryState) Load(db storage.Database, poolID string) (bool, error) {
	var record poolRecord
	ok, err := storage.GetRLP(db, poolKey(poolID), &record)
	if err != nil || !ok {
		return ok, err
	}
	positions := make(map[crypto.Address]*Position, len(record.Positions))
	for _, p := range record.Positions {
		positions[crypto.NewAddress(crypto.AccountPrefix, p.Account)] = p.Position
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[poolID] = record.Market
	s.positions[poolID] = positions
	return true, nil
}

func sortPositions(records []positionRecord) {
	sort.Slice(records, func(i, j int) bool {
		return bytes.Compare(records[i].Account, records[j].Account) < 0
	})
}
