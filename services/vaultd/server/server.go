package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"vaultchain/services/vaultd/idempotency"
	"vaultchain/services/vaultd/middleware"
	"vaultchain/services/vaultd/models"
	"vaultchain/services/vaultd/node"
	"vaultchain/storage"
)

// Config defines HTTP server and background loop parameters.
type Config struct {
	ListenAddress string
	AdminScope    string
	// BlockInterval advances the block height; zero uses the genesis block time.
	BlockInterval time.Duration
	// RebaseInterval rebases every asset; zero disables the keeper.
	RebaseInterval time.Duration
	ReportsDir     string
	IdempotencyTTL time.Duration
}

// Deps carries the collaborators built by main.
type Deps struct {
	Node        *node.Node
	State       storage.Database
	History     *gorm.DB
	Feed        *models.Recorder
	Idempotency *idempotency.Store
	Auth        *middleware.Authenticator
	Limits      map[string]middleware.RateLimit
	Logger      *slog.Logger
	Now         func() time.Time
}

// Server hosts the vaultd HTTP API and owns the single writer over the node.
type Server struct {
	cfg     Config
	node    *node.Node
	state   storage.Database
	history *gorm.DB
	feed    *models.Recorder
	store   *idempotency.Store
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	replay  *idempotency.Middleware
	logger  *slog.Logger
	now     func() time.Time
	seq     *sequencer
	router  http.Handler

	closeOnce sync.Once
}

// New constructs the server and starts its sequencer. Call Close (or Run) to
// stop it.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Node == nil {
		return nil, fmt.Errorf("node required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.AdminScope == "" {
		cfg.AdminScope = "admin"
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = deps.Node.BlockTime()
	}
	s := &Server{
		cfg:     cfg,
		node:    deps.Node,
		state:   deps.State,
		history: deps.History,
		feed:    deps.Feed,
		store:   deps.Idempotency,
		auth:    deps.Auth,
		limiter: middleware.NewRateLimiter(deps.Limits),
		logger:  deps.Logger,
		now:     deps.Now,
	}
	s.replay = idempotency.NewMiddleware(deps.Idempotency, cfg.IdempotencyTTL, middleware.SubjectString, deps.Logger)
	s.seq = newSequencer(s.commit, deps.Logger)
	s.router = s.routes()
	return s, nil
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "vaultd")
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Optional(), middleware.Observe(s.logger))
		v1.Group(func(pub chi.Router) {
			pub.Use(s.limiter.Middleware("public"))
			pub.Get("/assets", s.handleAssets)
			pub.Get("/assets/{asset}", s.handleAsset)
			pub.Get("/assets/{asset}/accounts/{address}", s.handleAccount)
			pub.Get("/assets/{asset}/estimate/deposit", s.handleEstimateDeposit)
			pub.Get("/assets/{asset}/estimate/withdraw", s.handleEstimateWithdraw)
			pub.Get("/assets/{asset}/estimate/enter", s.handleEstimateEnter)
			pub.Get("/assets/{asset}/history", s.handleHistory)
			pub.Get("/assets/{asset}/rebases", s.handleRebases)
			pub.Get("/assets/{asset}/events/ws", s.handleEventsWS)
		})
		v1.With(s.limiter.Middleware("rebase")).Post("/assets/{asset}/rebase", s.handleRebase)
		v1.Group(func(user chi.Router) {
			user.Use(s.auth.Require(), s.limiter.Middleware("public"), s.replay.Handler)
			user.Post("/assets/{asset}/deposit", s.handleDeposit)
			user.Post("/assets/{asset}/withdraw", s.handleWithdraw)
			user.Post("/assets/{asset}/approve", s.handleApprove)
			user.Post("/assets/{asset}/transfer", s.handleTransfer)
			user.Post("/assets/{asset}/enter", s.handleEnter)
			user.Post("/assets/{asset}/exit", s.handleExit)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Require(s.cfg.AdminScope), middleware.Observe(s.logger), s.replay.Handler)
		admin.Post("/assets/{asset}/migrate", s.handleMigrate)
		admin.Get("/assets/{asset}/migrations", s.handleListMigrations)
		admin.Post("/assets/{asset}/migrations", s.handleSetMigration)
		admin.Post("/assets/{asset}/lock", s.handleLock)
		admin.Post("/assets/{asset}/unlock", s.handleUnlock)
		admin.Post("/assets/{asset}/pause", s.handlePause)
		admin.Post("/assets/{asset}/config", s.handleConfig)
		admin.Post("/assets/{asset}/whitelist", s.handleWhitelist)
		admin.Post("/assets/{asset}/recover", s.handleRecover)
		admin.Post("/faucet", s.handleFaucet)
		admin.Post("/reports/yield", s.handleYieldReport)
	})
	return r
}

// Run serves HTTP and drives the block clock and rebase keeper until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	defer s.Close()
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loops, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.runClock(loops) }()
	go func() { defer wg.Done(); s.runKeeper(loops) }()

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("vaultd: http server listening", "addr", s.cfg.ListenAddress)
	err := srv.ListenAndServe()
	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// Close stops the sequencer. Pending requests fail with 503.
func (s *Server) Close() {
	s.closeOnce.Do(s.seq.close)
}

func (s *Server) runClock(ctx context.Context) {
	if s.cfg.BlockInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.BlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := submit(ctx, s.seq, "advance", s.advance); err != nil && ctx.Err() == nil {
				s.logger.Warn("vaultd: block advance failed", "error", err)
			}
		}
	}
}

func (s *Server) advance(context.Context) (uint64, error) {
	next := s.node.Height() + 1
	s.node.Advance(next)
	return next, nil
}

func (s *Server) runKeeper(ctx context.Context) {
	if s.cfg.RebaseInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RebaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rebaseAll(ctx)
			if s.store != nil {
				if n, err := s.store.Purge(s.now()); err != nil {
					s.logger.Warn("vaultd: idempotency purge failed", "error", err)
				} else if n > 0 {
					s.logger.Debug("vaultd: idempotency purged", "records", n)
				}
			}
		}
	}
}

func (s *Server) rebaseAll(ctx context.Context) {
	_, err := submit(ctx, s.seq, "rebase-all", func(ctx context.Context) (int, error) {
		results, err := s.node.Directory().RebaseAll(ctx, s.node.Admin())
		if err != nil {
			s.logger.Warn("vaultd: keeper rebase incomplete", "error", err)
		}
		return len(results), nil
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("vaultd: keeper rebase failed", "error", err)
	}
}

func (s *Server) commit() error {
	if s.state == nil {
		return nil
	}
	return s.node.Commit(s.state)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "height": s.node.Height()})
}
