package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	coreerrors "vaultchain/core/errors"
	"vaultchain/core/events"
	"vaultchain/crypto"
	"vaultchain/native/bank"
	nativecommon "vaultchain/native/common"
	"vaultchain/native/rebasing"
	"vaultchain/native/router"
	"vaultchain/native/vault"
	"vaultchain/observability"
)

type migrationKey struct {
	from string
	to   string
}

// Controller owns one rebasing ledger and the backends that hold its
// backing. Every mutating operation runs through a single-slot state machine:
// a call arriving while another is in flight fails with ErrReentrant.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	scale   scaling
	address crypto.Address
	ledger  *rebasing.Ledger
	bank    bank.Ledger
	router  router.Router

	backends   map[string]vault.Backend
	active     string
	migrations map[migrationKey]bool
	whitelist  map[crypto.Address]bool
	stranded   map[string]*big.Int
	status     Status

	pauses  nativecommon.PauseView
	emitter events.Emitter
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.TreasuryMetrics
	clock   func() time.Time
}

// Option customises a controller.
type Option func(*Controller)

// WithRouter wires the swap router used by EnterWithToken and ExitToToken.
func WithRouter(r router.Router) Option {
	return func(c *Controller) { c.router = r }
}

// WithEmitter routes ledger and treasury events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Controller) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPauses wires the pause switchboard consulted before every mutation.
func WithPauses(p nativecommon.PauseView) Option {
	return func(c *Controller) { c.pauses = p }
}

// WithMetrics overrides the metrics registry. Nil disables metrics.
func WithMetrics(m *observability.TreasuryMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController builds the controller for one asset together with its ledger.
func NewController(cfg Config, ledger bank.Ledger, opts ...Option) (*Controller, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	address := crypto.ModuleAddress("treasury/" + cfg.Symbol)
	fi, err := rebasing.NewLedger(cfg.Symbol, address)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:        cfg,
		scale:      newScaling(cfg.Decimals),
		address:    address,
		ledger:     fi,
		bank:       ledger,
		backends:   make(map[string]vault.Backend),
		migrations: make(map[migrationKey]bool),
		whitelist:  make(map[crypto.Address]bool),
		stranded:   make(map[string]*big.Int),
		emitter:    events.NoopEmitter{},
		logger:     slog.Default(),
		tracer:     otel.Tracer("vaultchain/treasury"),
		metrics:    observability.Treasury(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	fi.SetEmitter(c.emitter)
	c.logger = c.logger.With("asset", cfg.Symbol)
	return c, nil
}

func (c *Controller) Symbol() string           { return c.cfg.Symbol }
func (c *Controller) Asset() string            { return c.cfg.Asset }
func (c *Controller) Address() crypto.Address  { return c.address }
func (c *Controller) Ledger() *rebasing.Ledger { return c.ledger }
func (c *Controller) ModuleName() string       { return "treasury:" + c.cfg.Symbol }
func (c *Controller) Decimals() uint8          { return c.cfg.Decimals }

// Config returns a copy of the current configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// Status returns the state machine position.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ActiveBackend returns the backend currently receiving deposits.
func (c *Controller) ActiveBackend() (vault.Backend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backends[c.active]
	return b, ok
}

// Backend looks up a registered backend.
func (c *Controller) Backend(id string) (vault.Backend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backends[id]
	return b, ok
}

// Backends lists registered backends sorted by id.
func (c *Controller) Backends() []vault.Backend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]vault.Backend, 0, len(c.backends))
	for _, b := range c.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Buffer returns the liquid underlying held by the controller.
func (c *Controller) Buffer() *big.Int {
	return c.bank.BalanceOf(c.cfg.Asset, c.address)
}

// TotalAssets returns backend value plus buffer, in underlying units.
func (c *Controller) TotalAssets() (*big.Int, error) {
	total := c.Buffer()
	if b, ok := c.ActiveBackend(); ok {
		value, err := b.TotalValue()
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// Stranded returns the value a retired backend id still holds after migration.
func (c *Controller) Stranded(id string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.stranded[id]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// MigrationEnabled reports whether from -> to is on the allow-list.
func (c *Controller) MigrationEnabled(from, to string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migrations[migrationKey{from, to}]
}

// Whitelisted reports whether account may deposit in whitelist mode.
func (c *Controller) Whitelisted(account crypto.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.whitelist[account]
}

func (c *Controller) BalanceOf(a crypto.Address) *big.Int       { return c.ledger.BalanceOf(a) }
func (c *Controller) FreeBalanceOf(a crypto.Address) *big.Int   { return c.ledger.FreeBalanceOf(a) }
func (c *Controller) LockedBalanceOf(a crypto.Address) *big.Int { return c.ledger.LockedBalanceOf(a) }
func (c *Controller) YieldEarned(a crypto.Address) *big.Int     { return c.ledger.YieldEarned(a) }

// ToFi converts underlying units to rebasing units, rounding down.
func (c *Controller) ToFi(amount *big.Int) *big.Int { return c.scale.toFi(amount) }

// FromFi converts rebasing units to underlying units, rounding down.
func (c *Controller) FromFi(amount *big.Int) *big.Int { return c.scale.fromFi(amount) }

// RegisterBackend adds a candidate backend. The first backend registered
// becomes active.
func (c *Controller) RegisterBackend(caller crypto.Address, b vault.Backend) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	if b == nil {
		return coreerrors.ErrUnknownBackend
	}
	if b.Asset() != c.cfg.Asset {
		return fmt.Errorf("treasury %s: backend %s holds %s: %w", c.cfg.Symbol, b.ID(), b.Asset(), coreerrors.ErrAssetMismatch)
	}
	if b.Controller() != c.address {
		return fmt.Errorf("treasury %s: backend %s answers to %s: %w", c.cfg.Symbol, b.ID(), b.Controller(), coreerrors.ErrNotAuthorized)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return fmt.Errorf("treasury %s: register while %s: %w", c.cfg.Symbol, c.status, coreerrors.ErrReentrant)
	}
	if _, exists := c.backends[b.ID()]; exists {
		return fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, b.ID(), coreerrors.ErrDuplicateBackend)
	}
	c.backends[b.ID()] = b
	if c.active == "" && !b.Retired() {
		c.active = b.ID()
	}
	return nil
}

// SetMigrationEnabled edits the migration allow-list.
func (c *Controller) SetMigrationEnabled(caller crypto.Address, from, to string, enabled bool) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range []string{from, to} {
		if _, ok := c.backends[id]; !ok {
			return fmt.Errorf("treasury %s: %s: %w", c.cfg.Symbol, id, coreerrors.ErrUnknownBackend)
		}
	}
	if from == to {
		return fmt.Errorf("treasury %s: migration onto itself: %w", c.cfg.Symbol, coreerrors.ErrInput)
	}
	key := migrationKey{from, to}
	if enabled {
		c.migrations[key] = true
	} else {
		delete(c.migrations, key)
	}
	return nil
}

// SetWhitelisted grants or revokes deposit rights in whitelist mode.
func (c *Controller) SetWhitelisted(caller, account crypto.Address, allowed bool) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if allowed {
		c.whitelist[account] = true
	} else {
		delete(c.whitelist, account)
	}
	return nil
}

// UpdateConfig applies an admin configuration change.
func (c *Controller) UpdateConfig(caller crypto.Address, update ConfigUpdate) (Config, error) {
	if err := c.requireAdmin(caller); err != nil {
		return Config{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := update.apply(c.cfg)
	if err := next.Validate(); err != nil {
		return Config{}, err
	}
	c.cfg = next
	return next.Clone(), nil
}

// Lock freezes amount of account's balance. The locked part keeps earning.
func (c *Controller) Lock(ctx context.Context, caller, account crypto.Address, amount *big.Int) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	return c.run(ctx, "lock", StatusLocking, func(*journal) error {
		return c.ledger.Lock(c.address, account, amount)
	})
}

// Unlock releases amount of account's locked balance.
func (c *Controller) Unlock(ctx context.Context, caller, account crypto.Address, amount *big.Int) error {
	if err := c.requireAdmin(caller); err != nil {
		return err
	}
	return c.run(ctx, "unlock", StatusLocking, func(*journal) error {
		return c.ledger.Unlock(c.address, account, amount)
	})
}

func (c *Controller) requireAdmin(caller crypto.Address) error {
	c.mu.Lock()
	admin := c.cfg.Admin
	c.mu.Unlock()
	if caller != admin {
		return fmt.Errorf("treasury %s: %w", c.cfg.Symbol, coreerrors.ErrNotAdmin)
	}
	return nil
}

func (c *Controller) enter(s Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusIdle {
		return fmt.Errorf("treasury %s: %s while %s: %w", c.cfg.Symbol, s, c.status, coreerrors.ErrReentrant)
	}
	c.status = s
	return nil
}

func (c *Controller) exit() {
	c.mu.Lock()
	c.status = StatusIdle
	c.mu.Unlock()
}

func (c *Controller) activeLocked() (vault.Backend, error) {
	b, ok := c.backends[c.active]
	if !ok {
		return nil, fmt.Errorf("treasury %s: %w", c.cfg.Symbol, coreerrors.ErrNoActiveBackend)
	}
	return b, nil
}

func (c *Controller) activeBackend() (vault.Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// run executes fn as one atomic operation: it claims the state machine, opens
// a ledger transaction and, when fn fails, rolls the ledger back and unwinds
// every recorded side effect.
func (c *Controller) run(ctx context.Context, op string, status Status, fn func(*journal) error) (err error) {
	start := c.clock()
	_, span := c.tracer.Start(ctx, "treasury."+op, trace.WithAttributes(
		attribute.String("treasury.asset", c.cfg.Symbol),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, op+" committed")
		}
		c.metrics.Observe(c.cfg.Symbol, op, c.clock().Sub(start), err)
	}()

	if err := nativecommon.Guard(c.pauses, c.ModuleName()); err != nil {
		return err
	}
	if err := c.enter(status); err != nil {
		return err
	}
	defer c.exit()
	if err := c.ledger.Begin(c.address); err != nil {
		return err
	}
	j := &journal{}
	if err := fn(j); err != nil {
		if rbErr := c.ledger.Rollback(); rbErr != nil {
			c.logger.Error("treasury: ledger rollback failed", "operation", op, "error", rbErr)
		}
		if undoErr := j.unwind(c.logger); undoErr != nil {
			c.logger.Error("treasury: unwind incomplete", "operation", op, "error", undoErr)
		}
		c.logger.Warn("treasury: operation reverted", "operation", op, "error", err)
		return err
	}
	if err := c.ledger.Commit(); err != nil {
		return err
	}
	c.recordState()
	return nil
}

func (c *Controller) recordState() {
	if c.metrics == nil {
		return
	}
	backendID := ""
	value := big.NewInt(0)
	if b, ok := c.ActiveBackend(); ok {
		backendID = b.ID()
		if v, err := b.TotalValue(); err == nil {
			value = v
		}
	}
	c.metrics.RecordState(c.cfg.Symbol, backendID, c.ledger.TotalSupply(), c.Buffer(), value)
}

// bufferRoom is how much underlying the buffer can absorb before reaching the
// configured reserve, given its level before the current operation.
func (c *Controller) bufferRoom(before *big.Int) *big.Int {
	c.mu.Lock()
	reserve := new(big.Int).Set(c.cfg.BufferReserve)
	c.mu.Unlock()
	room := reserve.Sub(reserve, before)
	if room.Sign() < 0 {
		return big.NewInt(0)
	}
	return room
}

// pull moves underlying (or any token) from account into the controller and
// records the refund.
func (c *Controller) pull(j *journal, token string, from crypto.Address, amount *big.Int) error {
	if err := c.bank.Transfer(token, from, c.address, amount); err != nil {
		return err
	}
	amt := new(big.Int).Set(amount)
	j.record("pull "+token, func() error { return c.bank.Transfer(token, c.address, from, amt) })
	return nil
}

// pay moves token out of the controller and records the claw-back.
func (c *Controller) pay(j *journal, token string, to crypto.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := c.bank.Transfer(token, c.address, to, amount); err != nil {
		return err
	}
	amt := new(big.Int).Set(amount)
	j.record("pay "+token, func() error { return c.bank.Transfer(token, to, c.address, amt) })
	return nil
}

// place deposits amount into backend and records the withdrawal that undoes it.
func (c *Controller) place(j *journal, b vault.Backend, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if _, err := b.Deposit(c.address, amount); err != nil {
		return err
	}
	amt := new(big.Int).Set(amount)
	j.record("deposit "+b.ID(), func() error {
		got, err := b.Withdraw(c.address, amt, c.address)
		if err != nil {
			return err
		}
		if got.Cmp(amt) < 0 {
			return fmt.Errorf("backend %s returned %s of %s: %w", b.ID(), got, amt, coreerrors.ErrInsufficientLiquidity)
		}
		return nil
	})
	return nil
}

// draw withdraws up to amount from backend into the controller and records
// the redeposit that undoes it.
func (c *Controller) draw(j *journal, b vault.Backend, amount *big.Int) (*big.Int, error) {
	got, err := b.Withdraw(c.address, amount, c.address)
	if err != nil {
		return nil, err
	}
	if got.Sign() > 0 {
		amt := new(big.Int).Set(got)
		j.record("withdraw "+b.ID(), func() error {
			_, err := b.Deposit(c.address, amt)
			return err
		})
	}
	return got, nil
}

func (c *Controller) emit(evt events.Event) {
	if c.emitter != nil {
		c.emitter.Emit(evt)
	}
}
