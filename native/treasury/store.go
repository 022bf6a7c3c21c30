package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"vaultchain/crypto"
	"vaultchain/storage"
)

const storePrefix = "treasury"

type configRecord struct {
	Admin           []byte
	FeeCollector    []byte
	BufferReserve   *big.Int
	MintFeeBps      uint64
	RedeemFeeBps    uint64
	ServiceFeeBps   uint64
	MinDeposit      *big.Int
	MinWithdraw     *big.Int
	RebaseThreshold *big.Int
	MintEnabled     bool
	RedeemEnabled   bool
	WhitelistOnly   bool
}

type migrationRecord struct {
	From string
	To   string
}

type strandedRecord struct {
	Backend string
	Amount  *big.Int
}

type stateRecord struct {
	Asset      string
	Decimals   uint8
	Active     string
	Config     configRecord
	Migrations []migrationRecord
	Whitelist  [][]byte
	Stranded   []strandedRecord
}

func (c *Controller) stateKey() []byte {
	return storage.Key(storePrefix, c.cfg.Symbol, "state")
}

// Checkpoint persists the ledger, every registered backend and the
// controller's own state. It fails while an operation is in flight.
func (c *Controller) Checkpoint(db storage.Database) error {
	if db == nil {
		return errors.New("treasury: database required")
	}
	if err := c.enter(StatusCheckpointing); err != nil {
		return err
	}
	defer c.exit()
	if err := c.ledger.Checkpoint(db); err != nil {
		return err
	}
	for _, b := range c.Backends() {
		if err := b.Checkpoint(db); err != nil {
			return fmt.Errorf("treasury %s: checkpoint %s: %w", c.cfg.Symbol, b.ID(), err)
		}
	}
	c.mu.Lock()
	record := c.recordLocked()
	c.mu.Unlock()
	return storage.PutRLP(db, c.stateKey(), record)
}

// Restore loads state written by Checkpoint. Backends must be registered
// before calling it. The boolean reports whether a controller record existed.
func (c *Controller) Restore(db storage.Database) (bool, error) {
	if db == nil {
		return false, errors.New("treasury: database required")
	}
	if err := c.enter(StatusCheckpointing); err != nil {
		return false, err
	}
	defer c.exit()
	var record stateRecord
	ok, err := storage.GetRLP(db, c.stateKey(), &record)
	if err != nil || !ok {
		return ok, err
	}
	if record.Asset != c.cfg.Asset || record.Decimals != c.cfg.Decimals {
		return false, fmt.Errorf("treasury %s: stored %s/%d does not match %s/%d", c.cfg.Symbol, record.Asset, record.Decimals, c.cfg.Asset, c.cfg.Decimals)
	}
	if _, err := c.ledger.Restore(db); err != nil {
		return false, err
	}
	for _, b := range c.Backends() {
		if _, err := b.Restore(db); err != nil {
			return false, fmt.Errorf("treasury %s: restore %s: %w", c.cfg.Symbol, b.ID(), err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if record.Active != "" {
		if _, ok := c.backends[record.Active]; !ok {
			return false, fmt.Errorf("treasury %s: active backend %s not registered", c.cfg.Symbol, record.Active)
		}
	}
	cfg := c.cfg.Clone()
	cfg.Admin = toAddress(record.Config.Admin)
	cfg.FeeCollector = toAddress(record.Config.FeeCollector)
	cfg.BufferReserve = record.Config.BufferReserve
	cfg.MintFeeBps = record.Config.MintFeeBps
	cfg.RedeemFeeBps = record.Config.RedeemFeeBps
	cfg.ServiceFeeBps = record.Config.ServiceFeeBps
	cfg.MinDeposit = record.Config.MinDeposit
	cfg.MinWithdraw = record.Config.MinWithdraw
	cfg.RebaseThreshold = record.Config.RebaseThreshold
	cfg.MintEnabled = record.Config.MintEnabled
	cfg.RedeemEnabled = record.Config.RedeemEnabled
	cfg.WhitelistOnly = record.Config.WhitelistOnly
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	c.cfg = cfg
	c.active = record.Active
	c.migrations = make(map[migrationKey]bool, len(record.Migrations))
	for _, m := range record.Migrations {
		c.migrations[migrationKey{m.From, m.To}] = true
	}
	c.whitelist = make(map[crypto.Address]bool, len(record.Whitelist))
	for _, raw := range record.Whitelist {
		c.whitelist[toAddress(raw)] = true
	}
	c.stranded = make(map[string]*big.Int, len(record.Stranded))
	for _, s := range record.Stranded {
		c.stranded[s.Backend] = new(big.Int).Set(s.Amount)
	}
	return true, nil
}

func (c *Controller) recordLocked() stateRecord {
	cfg := c.cfg
	record := stateRecord{
		Asset:    cfg.Asset,
		Decimals: cfg.Decimals,
		Active:   c.active,
		Config: configRecord{
			Admin:           cfg.Admin.Bytes(),
			FeeCollector:    cfg.FeeCollector.Bytes(),
			BufferReserve:   new(big.Int).Set(cfg.BufferReserve),
			MintFeeBps:      cfg.MintFeeBps,
			RedeemFeeBps:    cfg.RedeemFeeBps,
			ServiceFeeBps:   cfg.ServiceFeeBps,
			MinDeposit:      new(big.Int).Set(cfg.MinDeposit),
			MinWithdraw:     new(big.Int).Set(cfg.MinWithdraw),
			RebaseThreshold: new(big.Int).Set(cfg.RebaseThreshold),
			MintEnabled:     cfg.MintEnabled,
			RedeemEnabled:   cfg.RedeemEnabled,
			WhitelistOnly:   cfg.WhitelistOnly,
		},
	}
	for key := range c.migrations {
		record.Migrations = append(record.Migrations, migrationRecord{From: key.from, To: key.to})
	}
	sort.Slice(record.Migrations, func(i, j int) bool {
		if record.Migrations[i].From != record.Migrations[j].From {
			return record.Migrations[i].From < record.Migrations[j].From
		}
		return record.Migrations[i].To < record.Migrations[j].To
	})
	for addr := range c.whitelist {
		record.Whitelist = append(record.Whitelist, addr.Bytes())
	}
	sort.Slice(record.Whitelist, func(i, j int) bool {
		return string(record.Whitelist[i]) < string(record.Whitelist[j])
	})
	for id, amount := range c.stranded {
		record.Stranded = append(record.Stranded, strandedRecord{Backend: id, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(record.Stranded, func(i, j int) bool { return record.Stranded[i].Backend < record.Stranded[j].Backend })
	return record
}

func toAddress(raw []byte) crypto.Address {
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}
