package node

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"vaultchain/config"
	"vaultchain/core/events"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	nativecommon "vaultchain/native/common"
	"vaultchain/native/lending"
	"vaultchain/native/router"
	"vaultchain/native/staking"
	"vaultchain/native/treasury"
	"vaultchain/native/vault"
	"vaultchain/observability"
	"vaultchain/storage"
)

var metaKey = storage.Key("node", "meta")

type metaRecord struct {
	Height uint64
	Paused []string
}

type lendingMarket struct {
	engine *lending.Engine
	state  *lending.MemoryState
}

// Options carries the ambient dependencies handed to every controller.
type Options struct {
	Logger  *slog.Logger
	Emitter events.Emitter
	Metrics *observability.TreasuryMetrics
	// Now drives harvest cooldowns; defaults to time.Now.
	Now func() time.Time
}

// Node owns the in-process state built from a genesis: the underlying bank,
// the swap router, the strategy markets and one controller per asset.
type Node struct {
	mu        sync.Mutex
	admin     crypto.Address
	bank      *bank.Bank
	router    *router.FixedRate
	pauses    *nativecommon.Pauses
	directory *treasury.Directory
	markets   map[string]lendingMarket
	pools     map[string]*staking.Pool
	height    uint64
	blockTime time.Duration
	logger    *slog.Logger
}

// Build assembles a node from a validated genesis.
func Build(g *config.Genesis, opts Options) (*Node, error) {
	if g == nil {
		return nil, errors.New("node: genesis required")
	}
	if err := config.Validate(g); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	admin, err := crypto.DecodeAddress(g.Admin)
	if err != nil {
		return nil, fmt.Errorf("node: admin: %w", err)
	}

	n := &Node{
		admin:     admin,
		bank:      bank.New(),
		pauses:    nativecommon.NewPauses(),
		directory: treasury.NewDirectory(),
		markets:   make(map[string]lendingMarket),
		pools:     make(map[string]*staking.Pool),
		blockTime: time.Duration(g.BlockTimeSeconds) * time.Second,
		logger:    opts.Logger,
	}
	if n.blockTime <= 0 {
		n.blockTime = 5 * time.Second
	}
	if err := n.buildRouter(g.Router); err != nil {
		return nil, err
	}
	for _, a := range g.Assets {
		if err := n.buildAsset(g, a, opts); err != nil {
			return nil, err
		}
	}
	for _, bal := range g.Balances {
		account, _ := crypto.DecodeAddress(bal.Account)
		amount, _ := config.ParseAmount(bal.Amount)
		if err := n.bank.Credit(bal.Asset, account, amount); err != nil {
			return nil, fmt.Errorf("node: balance %s: %w", bal.Asset, err)
		}
	}
	return n, nil
}

func (n *Node) buildRouter(g config.RouterGenesis) error {
	n.router = router.NewFixedRate(n.bank)
	if err := n.router.SetFeeBps(g.FeeBps); err != nil {
		return fmt.Errorf("node: router: %w", err)
	}
	n.router.SetMaxAge(time.Duration(g.MaxAgeSeconds) * time.Second)
	for _, rate := range g.Rates {
		if err := n.router.SetDecimal(rate.In, rate.Out, rate.Rate); err != nil {
			return fmt.Errorf("node: router %s->%s: %w", rate.In, rate.Out, err)
		}
	}
	for _, inv := range g.Inventory {
		amount, _ := config.ParseAmount(inv.Amount)
		if err := n.bank.Credit(inv.Asset, n.router.Address(), amount); err != nil {
			return fmt.Errorf("node: router inventory %s: %w", inv.Asset, err)
		}
	}
	return nil
}

func (n *Node) buildAsset(g *config.Genesis, a config.AssetGenesis, opts Options) error {
	amounts, err := a.Amounts()
	if err != nil {
		return err
	}
	collector, err := crypto.DecodeAddress(g.Collector(a))
	if err != nil {
		return fmt.Errorf("node: %s collector: %w", a.Symbol, err)
	}
	cfg := treasury.DefaultConfig(a.Symbol, a.Asset, a.Decimals, n.admin)
	cfg.FeeCollector = collector
	cfg.BufferReserve = amounts.BufferReserve
	cfg.MintFeeBps = a.MintFeeBps
	cfg.RedeemFeeBps = a.RedeemFeeBps
	cfg.ServiceFeeBps = a.ServiceFeeBps
	cfg.MinDeposit = amounts.MinDeposit
	cfg.MinWithdraw = amounts.MinWithdraw
	cfg.RebaseThreshold = amounts.RebaseThreshold
	cfg.MintEnabled = !a.MintDisabled
	cfg.RedeemEnabled = !a.RedeemDisabled
	cfg.WhitelistOnly = a.WhitelistOnly

	ctrlOpts := []treasury.Option{
		treasury.WithRouter(n.router),
		treasury.WithLogger(opts.Logger),
		treasury.WithPauses(n.pauses),
		treasury.WithMetrics(opts.Metrics),
	}
	if opts.Emitter != nil {
		ctrlOpts = append(ctrlOpts, treasury.WithEmitter(opts.Emitter))
	}
	ctrl, err := treasury.NewController(cfg, n.bank, ctrlOpts...)
	if err != nil {
		return fmt.Errorf("node: %s: %w", a.Symbol, err)
	}

	// The active backend is registered first so the controller selects it.
	ordered := make([]config.BackendGenesis, 0, len(a.Backends))
	if active, ok := a.Backend(a.Active); ok {
		ordered = append(ordered, active)
	}
	for _, b := range a.Backends {
		if b.ID != a.Active {
			ordered = append(ordered, b)
		}
	}
	for _, b := range ordered {
		backend, err := n.buildBackend(ctrl, b, opts)
		if err != nil {
			return err
		}
		if err := ctrl.RegisterBackend(n.admin, backend); err != nil {
			return fmt.Errorf("node: %s: %w", a.Symbol, err)
		}
	}
	for _, m := range a.Migrations {
		if err := ctrl.SetMigrationEnabled(n.admin, m.From, m.To, true); err != nil {
			return fmt.Errorf("node: %s migration: %w", a.Symbol, err)
		}
	}
	for _, w := range a.Whitelist {
		account, _ := crypto.DecodeAddress(w)
		if err := ctrl.SetWhitelisted(n.admin, account, true); err != nil {
			return fmt.Errorf("node: %s whitelist: %w", a.Symbol, err)
		}
	}
	if a.Paused {
		n.pauses.SetPaused(ctrl.ModuleName(), true)
	}
	return n.directory.Add(ctrl)
}

func (n *Node) buildBackend(ctrl *treasury.Controller, b config.BackendGenesis, opts Options) (vault.Backend, error) {
	switch b.Kind {
	case config.BackendMock:
		mock := vault.NewMockVault(b.ID, ctrl.Asset(), ctrl.Address(), n.bank)
		if limit, _ := config.ParseAmount(b.Mock.LiquidityLimit); limit.Sign() > 0 {
			mock.SetLiquidityLimit(limit)
		}
		mock.SetExitPenaltyBps(b.Mock.ExitPenaltyBps)
		return mock, nil
	case config.BackendLending:
		if _, exists := n.markets[b.Lending.PoolID]; exists {
			return nil, fmt.Errorf("node: lending pool %s configured twice", b.Lending.PoolID)
		}
		state := lending.NewMemoryState()
		engine := lending.NewEngine(b.Lending.PoolID, ctrl.Asset(), state, n.bank)
		if err := b.Lending.Apply(engine); err != nil {
			return nil, fmt.Errorf("node: backend %s: %w", b.ID, err)
		}
		engine.SetRewardMinter(n.bank)
		engine.SetPauses(n.pauses)
		engine.SetBlockHeight(n.height)
		n.markets[b.Lending.PoolID] = lendingMarket{engine: engine, state: state}
		reinvester, err := n.reinvester(b.Reinvest, b.Lending.RewardAsset, ctrl.Asset(), opts)
		if err != nil {
			return nil, err
		}
		return vault.NewLendingVault(b.ID, engine, ctrl.Address(), n.bank, reinvester), nil
	case config.BackendStaking:
		if _, exists := n.pools[b.Staking.PoolID]; exists {
			return nil, fmt.Errorf("node: staking pool %s configured twice", b.Staking.PoolID)
		}
		pool := staking.NewPool(b.Staking.PoolID, ctrl.Asset(), b.Staking.RewardAsset, n.bank, n.bank)
		perBlock, _ := config.ParseAmount(b.Staking.RewardPerBlock)
		pool.SetRewardPerBlock(perBlock)
		pool.SetBlockHeight(n.height)
		n.pools[b.Staking.PoolID] = pool
		reinvester, err := n.reinvester(b.Reinvest, b.Staking.RewardAsset, ctrl.Asset(), opts)
		if err != nil {
			return nil, err
		}
		return vault.NewStakingVault(b.ID, pool, ctrl.Address(), n.bank, reinvester), nil
	default:
		return nil, fmt.Errorf("node: backend %s: unknown kind %q", b.ID, b.Kind)
	}
}

func (n *Node) reinvester(g config.ReinvestGenesis, rewardToken, underlying string, opts Options) (*vault.Reinvester, error) {
	if rewardToken == "" {
		return nil, nil
	}
	minIn, err := config.ParseAmount(g.MinAmountIn)
	if err != nil {
		return nil, err
	}
	r := vault.NewReinvester(n.router, rewardToken, underlying, vault.ReinvestParams{
		MinAmountIn: minIn,
		SlippageBps: g.SlippageBps,
		Wait:        time.Duration(g.WaitSeconds) * time.Second,
	})
	r.SetClock(opts.Now)
	return r, nil
}

// Admin is the genesis administrator.
func (n *Node) Admin() crypto.Address { return n.admin }

// Bank exposes the underlying token ledger.
func (n *Node) Bank() *bank.Bank { return n.bank }

// Router exposes the swap router.
func (n *Node) Router() *router.FixedRate { return n.router }

// Directory exposes the controllers.
func (n *Node) Directory() *treasury.Directory { return n.directory }

// Pauses exposes the pause switches.
func (n *Node) Pauses() *nativecommon.Pauses { return n.pauses }

// BlockTime is the interval between height advances.
func (n *Node) BlockTime() time.Duration { return n.blockTime }

// Height reports the current block height.
func (n *Node) Height() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.height
}

// Advance moves every market and reward pool to height. Heights never go
// backwards.
func (n *Node) Advance(height uint64) {
	n.mu.Lock()
	if height <= n.height {
		n.mu.Unlock()
		return
	}
	n.height = height
	n.mu.Unlock()
	for _, m := range n.markets {
		m.engine.SetBlockHeight(height)
		if err := m.engine.Accrue(); err != nil {
			n.logger.Warn("node: accrue failed", "pool", m.engine.PoolID(), "error", err)
		}
	}
	for _, p := range n.pools {
		p.SetBlockHeight(height)
	}
}

// SetPaused pauses or resumes one asset.
func (n *Node) SetPaused(asset string, paused bool) error {
	ctrl, err := n.directory.Lookup(asset)
	if err != nil {
		return err
	}
	n.pauses.SetPaused(ctrl.ModuleName(), paused)
	return nil
}

// Commit persists the bank, the strategy markets, every controller and the
// node metadata.
func (n *Node) Commit(db storage.Database) error {
	if err := n.bank.Commit(db); err != nil {
		return err
	}
	for _, id := range n.marketIDs() {
		if err := n.markets[id].state.Save(db, id); err != nil {
			return fmt.Errorf("node: save lending %s: %w", id, err)
		}
	}
	for _, id := range n.poolIDs() {
		if err := n.pools[id].Save(db); err != nil {
			return fmt.Errorf("node: save staking %s: %w", id, err)
		}
	}
	if err := n.directory.Checkpoint(db); err != nil {
		return err
	}
	paused := n.pauses.Paused()
	sort.Strings(paused)
	return storage.PutRLP(db, metaKey, metaRecord{Height: n.Height(), Paused: paused})
}

// Restore loads a previous Commit. It reports false and leaves the genesis
// state untouched when db holds no node record.
func (n *Node) Restore(db storage.Database) (bool, error) {
	var meta metaRecord
	ok, err := storage.GetRLP(db, metaKey, &meta)
	if err != nil || !ok {
		return false, err
	}
	if err := n.bank.Load(db); err != nil {
		return false, err
	}
	for _, id := range n.marketIDs() {
		if _, err := n.markets[id].state.Load(db, id); err != nil {
			return false, fmt.Errorf("node: load lending %s: %w", id, err)
		}
	}
	for _, id := range n.poolIDs() {
		if _, err := n.pools[id].Load(db); err != nil {
			return false, fmt.Errorf("node: load staking %s: %w", id, err)
		}
	}
	if err := n.directory.Restore(db); err != nil {
		return false, err
	}
	for _, ctrl := range n.directory.Controllers() {
		n.pauses.SetPaused(ctrl.ModuleName(), false)
	}
	for _, module := range meta.Paused {
		n.pauses.SetPaused(module, true)
	}
	n.Advance(meta.Height)
	return true, nil
}

// Faucet credits underlying tokens. It backs development deployments.
func (n *Node) Faucet(asset string, to crypto.Address, amount *big.Int) error {
	return n.bank.Credit(asset, to, amount)
}

func (n *Node) marketIDs() []string {
	ids := make([]string, 0, len(n.markets))
	for id := range n.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (n *Node) poolIDs() []string {
	ids := make([]string, 0, len(n.pools))
	for id := range n.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
