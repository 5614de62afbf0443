package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/internal/auth"
	"github.com/ksred/klear-energy-api/internal/balance"
	"github.com/ksred/klear-energy-api/internal/config"
	"github.com/ksred/klear-energy-api/internal/database"
	"github.com/ksred/klear-energy-api/internal/server"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

type options struct {
	url                 string
	jwtSecret           string
	trades              int
	workers             int
	buyRatio            float64
	duplicateConfirmPct float64
}

// summary collects trade outcomes across workers
type summary struct {
	mu          sync.Mutex
	started     time.Time
	initiated   map[types.TradeKind]int
	confirmed   map[types.TradeKind]int
	refunded    map[types.TradeKind]int
	duplicates  int
	doubleSpent int
	failures    map[string]int
	usdcVolume  int64
	voltVolume  int64
}

func newSummary() *summary {
	return &summary{
		started:   time.Now(),
		initiated: make(map[types.TradeKind]int),
		confirmed: make(map[types.TradeKind]int),
		refunded:  make(map[types.TradeKind]int),
		failures:  make(map[string]int),
	}
}

func (s *summary) fail(stage string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kind := "transport"
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.Kind() != "" {
		kind = rpcErr.Kind()
	}
	s.failures[stage+"/"+kind]++
}

// main runs the energy trading simulation against a settlement endpoint,
// starting an in-process server on the simulated ledger when no URL is given
func main() {
	opts := options{}
	flag.StringVar(&opts.url, "url", "", "JSON-RPC endpoint; empty starts an in-process server")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "secret used to issue a bearer token")
	flag.IntVar(&opts.trades, "trades", 0, "number of trades; 0 picks a random count")
	flag.IntVar(&opts.workers, "workers", 5, "concurrent workers")
	flag.Float64Var(&opts.buyRatio, "buy-ratio", 0.5, "share of trades that are buys")
	flag.Float64Var(&opts.duplicateConfirmPct, "duplicate-confirms", 0.1, "share of trades confirmed twice concurrently")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.url == "" {
		url, err := startServer(ctx, opts.jwtSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
		opts.url = url
	}

	token := ""
	if opts.jwtSecret != "" {
		authService, err := auth.NewService(opts.jwtSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build auth service")
		}
		if token, _, err = authService.IssueToken("simulation", time.Hour); err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
	}

	if opts.trades <= 0 {
		opts.trades = rand.Intn(135) + 15
	}
	if opts.workers <= 0 {
		opts.workers = 1
	}
	log.Info().
		Str("url", opts.url).
		Int("target_trades", opts.trades).
		Int("workers", opts.workers).
		Msg("Starting simulation")

	simClient := newSimulationClient(opts.url, token)
	stats := newSummary()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for range jobs {
				runTrade(ctx, workerID, rng, simClient, stats, opts)
			}
		}(i)
	}
	for i := 0; i < opts.trades; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	printSummary(stats, opts.trades)
	simClient.printPerformanceStats()
}

// runTrade initiates one trade and confirms it, sometimes twice at once
func runTrade(ctx context.Context, workerID int, rng *rand.Rand, sc *simulationClient, stats *summary, opts options) {
	party, err := types.GenerateKeypair()
	if err != nil {
		stats.fail("keypair", err)
		return
	}
	seed := rng.Uint64()

	kind := types.TradeSell
	confirmMethod := "confirm_selling"
	var (
		res    *types.SettlementResult
		amount int64
	)
	if rng.Float64() < opts.buyRatio {
		kind = types.TradeBuy
		confirmMethod = "confirm_buying"
		amount = int64(rng.Intn(500)+1) * types.VoltsPerUSDC
		res, err = sc.buyEnergy(ctx, party, seed, amount)
	} else {
		amount = int64(rng.Intn(500) + 1)
		res, err = sc.sellEnergy(ctx, party, seed, amount)
	}

	logger := log.With().
		Int("worker_id", workerID).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Logger()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initiate trade")
		stats.fail("initiate", err)
		return
	}
	stats.mu.Lock()
	stats.initiated[kind]++
	stats.mu.Unlock()

	attempts := 1
	if rng.Float64() < opts.duplicateConfirmPct {
		attempts = 2
	}

	var (
		mu        sync.Mutex
		successes int
		wg        sync.WaitGroup
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sc.confirm(ctx, confirmMethod, res.EscrowPublicKey)
			var rpcErr *rpcError
			switch {
			case err == nil:
				mu.Lock()
				successes++
				mu.Unlock()
			case errors.As(err, &rpcErr) && rpcErr.Kind() == "TradeRefunded":
				stats.mu.Lock()
				stats.refunded[kind]++
				stats.mu.Unlock()
			case errors.As(err, &rpcErr) && rpcErr.Kind() == "AlreadySettled" && attempts > 1:
				stats.mu.Lock()
				stats.duplicates++
				stats.mu.Unlock()
			default:
				logger.Error().Err(err).Str("escrow", res.EscrowPublicKey).Msg("Failed to confirm trade")
				stats.fail("confirm", err)
			}
		}()
	}
	wg.Wait()

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if successes > 1 {
		stats.doubleSpent++
	}
	if successes > 0 {
		stats.confirmed[kind]++
		if kind == types.TradeBuy {
			stats.voltVolume += amount
			stats.usdcVolume += amount / types.VoltsPerUSDC
		} else {
			stats.usdcVolume += amount
			stats.voltVolume += amount * types.VoltsPerUSDC
		}
		logger.Info().Str("escrow", res.EscrowPublicKey).Int("confirm_attempts", attempts).Msg("Trade settled")
	}
}

func printSummary(stats *summary, target int) {
	duration := time.Since(stats.started)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ENERGY SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Trade Statistics
------------------
Target Trades:      %d
Sells Initiated:    %d
Buys Initiated:     %d
Sells Confirmed:    %d
Buys Confirmed:     %d
Sells Refunded:     %d
Buys Refunded:      %d
Duplicate Confirms: %d rejected as already settled
Double Settlements: %d
USDC Volume:        %d
VOLT Volume:        %d
Duration:           %v
`, target,
		stats.initiated[types.TradeSell], stats.initiated[types.TradeBuy],
		stats.confirmed[types.TradeSell], stats.confirmed[types.TradeBuy],
		stats.refunded[types.TradeSell], stats.refunded[types.TradeBuy],
		stats.duplicates, stats.doubleSpent,
		stats.usdcVolume, stats.voltVolume,
		duration.Round(time.Millisecond))

	if len(stats.failures) > 0 {
		fmt.Println("\nFailures")
		fmt.Println("------------------")
		keys := make([]string, 0, len(stats.failures))
		for k := range stats.failures {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-36s %d\n", k, stats.failures[k])
		}
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	settled := stats.confirmed[types.TradeSell] + stats.confirmed[types.TradeBuy]
	successRate := 0.0
	if target > 0 {
		successRate = float64(settled) / float64(target) * 100
	}
	log.Info().
		Float64("success_rate", successRate).
		Int("target_trades", target).
		Int("settled_trades", settled).
		Int("double_settlements", stats.doubleSpent).
		Dur("duration", duration).
		Msg("Simulation completed")
}

// startServer runs the settlement API on the simulated ledger with balance
// assurance enabled, on a random local port
func startServer(ctx context.Context, jwtSecret string) (string, error) {
	gin.SetMode(gin.ReleaseMode)

	platform, err := types.GenerateKeypair()
	if err != nil {
		return "", err
	}
	rawKey, err := json.Marshal(types.IntsFromBytes(platform.Bytes()))
	if err != nil {
		return "", err
	}
	cfg := &config.Config{
		Env:                  "simulation",
		PlatformPrivateKey:   string(rawKey),
		ProgramID:            "ESuw654Qfojyf1U14TATKTBtTc23vkdyREcD2FNuHJXT",
		LedgerMode:           config.LedgerModeSimulated,
		LedgerCallTimeout:    30 * time.Second,
		ProvisionMaxAttempts: 3,
		ProvisionRetryDelay:  100 * time.Millisecond,
		BalanceAssurance:     balance.ModeMint,
		JWTSecret:            jwtSecret,
		ReconcileInterval:    10 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	db, err := database.NewMemoryDatabase(database.Options{Simulator: true, LogLevel: logger.Silent})
	if err != nil {
		return "", fmt.Errorf("failed to initialize database: %w", err)
	}
	app, err := server.New(ctx, cfg, db)
	if err != nil {
		return "", err
	}
	if err := app.WarmUp(ctx); err != nil {
		return "", err
	}
	go app.Start(ctx)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("simulation server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	return "http://" + listener.Addr().String() + "/json-rpc", nil
}
