package staking

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	coreerrors "vaultchain/core/errors"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	"vaultchain/storage"
)

// RewardPrecision scales the cumulative reward-per-share accumulator.
var RewardPrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Minter issues reward tokens on claim.
type Minter interface {
	Credit(asset string, to crypto.Address, amount *big.Int) error
}

type stake struct {
	Amount     *big.Int
	RewardDebt *big.Int
	Pending    *big.Int
}

// Pool is a single-asset staking pool that emits a fixed reward per block,
// distributed pro rata through a reward-per-share accumulator.
type Pool struct {
	mu             sync.Mutex
	id             string
	asset          string
	rewardAsset    string
	address        crypto.Address
	bank           bank.Ledger
	minter         Minter
	rewardPerBlock *big.Int
	totalStaked    *big.Int
	rewardPerShare *big.Int
	lastBlock      uint64
	height         uint64
	stakes         map[crypto.Address]*stake
}

// NewPool constructs a pool holding stake in asset and paying rewardAsset.
func NewPool(id, asset, rewardAsset string, ledger bank.Ledger, minter Minter) *Pool {
	id = strings.TrimSpace(id)
	return &Pool{
		id:             id,
		asset:          strings.TrimSpace(asset),
		rewardAsset:    strings.TrimSpace(rewardAsset),
		address:        crypto.ModuleAddress("staking/" + id),
		bank:           ledger,
		minter:         minter,
		rewardPerBlock: big.NewInt(0),
		totalStaked:    big.NewInt(0),
		rewardPerShare: big.NewInt(0),
		stakes:         make(map[crypto.Address]*stake),
	}
}

func (p *Pool) ID() string              { return p.id }
func (p *Pool) Asset() string           { return p.asset }
func (p *Pool) RewardAsset() string     { return p.rewardAsset }
func (p *Pool) Address() crypto.Address { return p.address }

// SetRewardPerBlock configures the emission rate.
func (p *Pool) SetRewardPerBlock(amount *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked()
	if amount == nil {
		amount = big.NewInt(0)
	}
	p.rewardPerBlock = new(big.Int).Set(amount)
}

// SetBlockHeight advances the pool clock.
func (p *Pool) SetBlockHeight(height uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if height > p.height {
		p.height = height
	}
}

// TotalStaked returns the pool's total stake.
func (p *Pool) TotalStaked() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.totalStaked)
}

// Staked returns addr's stake.
func (p *Pool) Staked(addr crypto.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stakes[addr]; ok {
		return new(big.Int).Set(s.Amount)
	}
	return big.NewInt(0)
}

// Stake pulls amount of the staking asset from addr.
func (p *Pool) Stake(addr crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked()
	s := p.stakeLocked(addr)
	p.settleLocked(s)
	if err := p.bank.Transfer(p.asset, addr, p.address, amount); err != nil {
		return err
	}
	s.Amount.Add(s.Amount, amount)
	p.totalStaked.Add(p.totalStaked, amount)
	s.RewardDebt = p.debtLocked(s.Amount)
	return nil
}

// Unstake returns up to amount of addr's stake to recipient.
func (p *Pool) Unstake(addr, recipient crypto.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, coreerrors.ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked()
	s := p.stakeLocked(addr)
	p.settleLocked(s)
	out := new(big.Int).Set(amount)
	if out.Cmp(s.Amount) > 0 {
		out.Set(s.Amount)
	}
	if out.Sign() == 0 {
		return out, nil
	}
	if err := p.bank.Transfer(p.asset, p.address, recipient, out); err != nil {
		return nil, err
	}
	s.Amount.Sub(s.Amount, out)
	p.totalStaked.Sub(p.totalStaked, out)
	s.RewardDebt = p.debtLocked(s.Amount)
	return out, nil
}

// Pending returns the unclaimed rewards of addr.
func (p *Pool) Pending(addr crypto.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked()
	s, ok := p.stakes[addr]
	if !ok {
		return big.NewInt(0)
	}
	pending := new(big.Int).Sub(p.debtLocked(s.Amount), s.RewardDebt)
	return pending.Add(pending, s.Pending)
}

// Claim mints addr's rewards to recipient.
func (p *Pool) Claim(addr, recipient crypto.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateLocked()
	s := p.stakeLocked(addr)
	p.settleLocked(s)
	amount := new(big.Int).Set(s.Pending)
	if amount.Sign() == 0 {
		return amount, nil
	}
	if p.minter == nil {
		return nil, fmt.Errorf("staking: no reward minter: %w", coreerrors.ErrStrategyUnavailable)
	}
	if err := p.minter.Credit(p.rewardAsset, recipient, amount); err != nil {
		return nil, err
	}
	s.Pending.SetInt64(0)
	return amount, nil
}

func (p *Pool) updateLocked() {
	if p.height <= p.lastBlock {
		return
	}
	delta := p.height - p.lastBlock
	p.lastBlock = p.height
	if p.totalStaked.Sign() == 0 || p.rewardPerBlock.Sign() == 0 {
		return
	}
	// rewardPerShare += rewardPerBlock * delta * precision / totalStaked
	inc := new(big.Int).Mul(p.rewardPerBlock, new(big.Int).SetUint64(delta))
	inc.Mul(inc, RewardPrecision)
	inc.Div(inc, p.totalStaked)
	p.rewardPerShare.Add(p.rewardPerShare, inc)
}

func (p *Pool) stakeLocked(addr crypto.Address) *stake {
	s, ok := p.stakes[addr]
	if !ok {
		s = &stake{Amount: big.NewInt(0), RewardDebt: big.NewInt(0), Pending: big.NewInt(0)}
		p.stakes[addr] = s
	}
	return s
}

func (p *Pool) settleLocked(s *stake) {
	accrued := new(big.Int).Sub(p.debtLocked(s.Amount), s.RewardDebt)
	if accrued.Sign() > 0 {
		s.Pending.Add(s.Pending, accrued)
	}
	s.RewardDebt = p.debtLocked(s.Amount)
}

func (p *Pool) debtLocked(amount *big.Int) *big.Int {
	debt := new(big.Int).Mul(amount, p.rewardPerShare)
	return debt.Div(debt, RewardPrecision)
}

type stakeRecord struct {
	Account    []byte
	Amount     *big.Int
	RewardDebt *big.Int
	Pending    *big.Int
}

type poolRecord struct {
	RewardPerBlock *big.Int
	TotalStaked    *big.Int
	RewardPerShare *big.Int
	LastBlock      uint64
	Height         uint64
	Stakes         []stakeRecord
}

// Save writes the pool under staking/<id>.
func (p *Pool) Save(db storage.Database) error {
	p.mu.Lock()
	record := poolRecord{
		RewardPerBlock: new(big.Int).Set(p.rewardPerBlock),
		TotalStaked:    new(big.Int).Set(p.totalStaked),
		RewardPerShare: new(big.Int).Set(p.rewardPerShare),
		LastBlock:      p.lastBlock,
		Height:         p.height,
	}
	for addr, s := range p.stakes {
		record.Stakes = append(record.Stakes, stakeRecord{
			Account:    addr.Bytes(),
			Amount:     new(big.Int).Set(s.Amount),
			RewardDebt: new(big.Int).Set(s.RewardDebt),
			Pending:    new(big.Int).Set(s.Pending),
		})
	}
	p.mu.Unlock()
	sort.Slice(record.Stakes, func(i, j int) bool {
		return bytes.Compare(record.Stakes[i].Account, record.Stakes[j].Account) < 0
	})
	return storage.PutRLP(db, storage.Key("staking", p.id), &record)
}

// Load restores the pool from db, reporting false when nothing was stored.
func (p *Pool) Load(db storage.Database) (bool, error) {
	var record poolRecord
	ok, err := storage.GetRLP(db, storage.Key("staking", p.id), &record)
	if err != nil || !ok {
		return ok, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rewardPerBlock = record.RewardPerBlock
	p.totalStaked = record.TotalStaked
	p.rewardPerShare = record.RewardPerShare
	p.lastBlock = record.LastBlock
	p.height = record.Height
	p.stakes = make(map[crypto.Address]*stake, len(record.Stakes))
	for _, r := range record.Stakes {
		p.stakes[crypto.NewAddress(crypto.AccountPrefix, r.Account)] = &stake{
			Amount:     r.Amount,
			RewardDebt: r.RewardDebt,
			Pending:    r.Pending,
		}
	}
	return true, nil
}
