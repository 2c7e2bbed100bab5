package rewardd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"keeprewards/core/allocator"
	"keeprewards/core/bank"
	"keeprewards/core/distributor"
	"keeprewards/core/events"
	"keeprewards/core/intervals"
	"keeprewards/core/keeps"
	"keeprewards/core/rewards"
	"keeprewards/observability/logging"
	telemetry "keeprewards/observability/otel"
	"keeprewards/services/rewardd/middleware"
	"keeprewards/storage"
)

var genesisMarker = []byte("rewardd/genesis-minted")

// Main initialises and runs the reward daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardd/config.yaml", "path to rewardd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("REWARDD_ENV"))
	if env == "" {
		env = cfg.Environment
	}
	logger := logging.SetupWithOptions("rewardd", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("rewardd", env))
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	token := bank.NewLedger(db)
	if err := mintGenesis(db, token, cfg, logger); err != nil {
		return err
	}

	schedule, err := intervals.LoadSchedule(cfg.SchedulePath)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}
	policy, err := allocator.ParseDustPolicy(cfg.DustPolicy)
	if err != nil {
		return err
	}
	tracker, err := keeps.NewTracker(db)
	if err != nil {
		return fmt.Errorf("init keep tracker: %w", err)
	}
	alloc, err := allocator.New(db, schedule, policy)
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}

	auditDB, err := OpenAuditDB(cfg.Audit.DSN)
	if err != nil {
		return err
	}
	audit, err := NewAuditStore(auditDB, logger)
	if err != nil {
		return err
	}
	stream := NewBroadcaster()
	emitter := events.MultiEmitter{audit, metricsEmitter{}, stream}

	beneficiaries, err := cfg.BeneficiaryTable()
	if err != nil {
		return err
	}
	custody := common.HexToAddress(cfg.Custody)
	clock := clockwork.NewRealClock()
	ledger, err := rewards.NewLedger(rewards.Config{
		DB:            db,
		Tracker:       tracker,
		Allocator:     alloc,
		Token:         token,
		Custody:       custody,
		Beneficiaries: beneficiaries,
		Emitter:       emitter,
		Clock:         clock,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	dist, err := distributor.New(distributor.Config{
		DB:            db,
		Token:         token,
		Custody:       custody,
		Beneficiaries: beneficiaries,
		Emitter:       emitter,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("init distributor: %w", err)
	}

	queue := NewQueue(ledger, cfg.Ingest, clock, logger)
	server, err := NewServer(ServerConfig{
		Ledger:      ledger,
		Distributor: dist,
		Queue:       queue,
		Audit:       audit,
		Stream:      stream,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    !cfg.Auth.Disabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger),
		Limiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"claims": {RequestsPerMinute: cfg.RateLimits.ClaimsPerMinute, Burst: cfg.RateLimits.ClaimsBurst},
		}, logger),
		Observability: middleware.NewObservability("rewardd", cfg.Logging.Requests, logger),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: otelhttp.NewHandler(server.Handler(), "rewardd"),
		// No read/write timeouts: the event stream holds connections open.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(stopCtx)
	group.Go(func() error {
		return queue.Run(ctx)
	})
	group.Go(func() error {
		logger.Info("rewardd listening", slog.String("listen", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("rewardd stopped", slog.Int("pending_facts", queue.Depth()))
	return nil
}

func openStorage(cfg StorageConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

// mintGenesis credits the configured balances the first time a store is used.
func mintGenesis(db storage.Database, token *bank.Ledger, cfg Config, logger *slog.Logger) error {
	minted, err := db.Has(genesisMarker)
	if err != nil {
		return fmt.Errorf("check genesis marker: %w", err)
	}
	if minted {
		return nil
	}
	balances, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for account, amount := range balances {
		if err := token.Mint(account, amount); err != nil {
			return fmt.Errorf("mint genesis balance for %s: %w", account.Hex(), err)
		}
		logger.Info("genesis balance minted", slog.String("account", account.Hex()), slog.String("amount", amount.String()))
	}
	return db.Put(genesisMarker, []byte{1})
}
