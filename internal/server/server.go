// Package server wires configuration, the ledger and the settlement service
// into the JSON-RPC front door.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/internal/auth"
	"github.com/ksred/klear-energy-api/internal/balance"
	"github.com/ksred/klear-energy-api/internal/config"
	"github.com/ksred/klear-energy-api/internal/escrow"
	"github.com/ksred/klear-energy-api/internal/executor"
	"github.com/ksred/klear-energy-api/internal/journal"
	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/ledger/rpcclient"
	"github.com/ksred/klear-energy-api/internal/ledger/simulated"
	"github.com/ksred/klear-energy-api/internal/metrics"
	"github.com/ksred/klear-energy-api/internal/registry"
	"github.com/ksred/klear-energy-api/internal/rpc"
	"github.com/ksred/klear-energy-api/internal/settlement"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/middleware"
	"github.com/ksred/klear-energy-api/pkg/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Server holds the wired settlement stack
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	service    *settlement.Service
	accounts   *registry.Registry
	reconciler *journal.Reconciler
	processor  *settlement.Processor
	limiter    *middleware.RateLimiter
	journal    *journal.Journal
	sim        *simulated.Ledger
	platform   types.Keypair
	mints      ledger.Mints
}

// New builds the stack described by cfg on top of db. db must already carry
// the journal schema, and the simulator schema when LEDGER_MODE=simulated.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB) (*Server, error) {
	platform, err := cfg.Platform()
	if err != nil {
		return nil, fmt.Errorf("failed to parse platform key: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		platform: platform,
		journal:  journal.New(db),
		limiter:  middleware.NewRateLimiter(cfg.RateLimitPerMinute),
	}

	base, err := s.buildLedger(ctx, db)
	if err != nil {
		return nil, err
	}
	client := metrics.InstrumentLedger(ledger.WithTimeout(base, cfg.LedgerCallTimeout))

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.ProvisionMaxAttempts
	policy.BaseDelay = cfg.ProvisionRetryDelay

	s.accounts = registry.New(client, policy)
	assurer, err := balance.New(cfg.BalanceAssurance, balance.Deps{Ledger: client, Accounts: s.accounts})
	if err != nil {
		return nil, fmt.Errorf("failed to build balance assurance: %w", err)
	}
	exec := executor.New(client, platform, policy)

	s.service = settlement.NewService(settlement.Deps{
		Ledger:   client,
		Deriver:  escrow.NewDeriver(cfg.Program()),
		Accounts: s.accounts,
		Assurer:  assurer,
		Executor: exec,
		Journal:  s.journal,
		Mints:    s.mints,
	})
	s.reconciler = journal.NewReconciler(s.journal, exec, cfg.ReconcileInterval)
	s.processor = settlement.NewProcessor(s.service, s.journal, cfg.AutoConfirmInterval)

	mw := []gin.HandlerFunc{middleware.RequestLogger()}
	if cfg.JWTSecret != "" {
		authService, err := auth.NewService(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		mw = append(mw, middleware.JWTAuth(authService))
	}
	mw = append(mw, s.limiter.Middleware())
	s.router = rpc.NewRouter(rpc.NewHandler(s.service), mw...)

	log.Info().
		Str("ledger_mode", cfg.LedgerMode).
		Str("balance_assurance", cfg.BalanceAssurance).
		Str("platform", platform.PublicKey().String()).
		Str("usdc_mint", s.mints.USDC.String()).
		Str("volt_mint", s.mints.Volt.String()).
		Bool("auth", cfg.JWTSecret != "").
		Dur("auto_confirm_interval", cfg.AutoConfirmInterval).
		Msg("Settlement service configured")
	return s, nil
}

func (s *Server) buildLedger(ctx context.Context, db *gorm.DB) (ledger.Client, error) {
	s.mints = s.cfg.Mints()

	switch s.cfg.LedgerMode {
	case config.LedgerModeRPC:
		return rpcclient.New(s.cfg.LedgerRPCURL, s.platform), nil
	case config.LedgerModeSimulated:
		program := s.cfg.Program()
		s.sim = simulated.New(db, program)
		var err error
		if s.mints.USDC.IsZero() {
			if s.mints.USDC, err = simulated.DefaultMint(program, "usdc"); err != nil {
				return nil, err
			}
		}
		if s.mints.Volt.IsZero() {
			if s.mints.Volt, err = simulated.DefaultMint(program, "volt"); err != nil {
				return nil, err
			}
		}
		for _, mint := range []types.PublicKey{s.mints.USDC, s.mints.Volt} {
			if err := s.sim.CreateMint(ctx, mint, s.platform.PublicKey(), types.TokenDecimals); err != nil {
				return nil, fmt.Errorf("failed to create simulated mint: %w", err)
			}
		}
		return s.sim, nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", s.cfg.LedgerMode)
	}
}

// WarmUp provisions the platform's own token accounts so the first trade
// does not pay for them
func (s *Server) WarmUp(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, mint := range []types.PublicKey{s.mints.USDC, s.mints.Volt} {
		mint := mint
		g.Go(func() error {
			_, err := s.accounts.GetOrCreate(gctx, s.platform.PublicKey(), mint, false)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to provision platform accounts: %w", err)
	}
	log.Info().Int("cached_accounts", s.accounts.Len()).Msg("Platform accounts ready")
	return nil
}

// Start runs the background loops until ctx is cancelled
func (s *Server) Start(ctx context.Context) {
	go s.limiter.Cleanup(ctx, time.Minute)
	go s.processor.Start(ctx)
	s.reconciler.Start(ctx)
}

// Handler is the front door
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Service() *settlement.Service { return s.service }

func (s *Server) Journal() *journal.Journal { return s.journal }

func (s *Server) Processor() *settlement.Processor { return s.processor }

func (s *Server) Mints() ledger.Mints { return s.mints }

// Simulator is the in-process ledger, nil in rpc mode
func (s *Server) Simulator() *simulated.Ledger { return s.sim }
