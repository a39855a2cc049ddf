package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"intraday_trader/internal/broker/kite"
	"intraday_trader/internal/broker/paper"
	"intraday_trader/internal/bus"
	"intraday_trader/internal/clock"
	"intraday_trader/internal/config"
	"intraday_trader/internal/controlplane"
	"intraday_trader/internal/core"
	"intraday_trader/internal/execution"
	"intraday_trader/internal/infrastructure/health"
	"intraday_trader/internal/leader"
	"intraday_trader/internal/marketdata"
	"intraday_trader/internal/oco"
	"intraday_trader/internal/orchestrator"
	"intraday_trader/internal/ratelimit"
	"intraday_trader/internal/risk"
	"intraday_trader/internal/scan"
	"intraday_trader/internal/store"
	"intraday_trader/internal/strategy"
	"intraday_trader/internal/watcher"
	"intraday_trader/pkg/concurrency"
	"intraday_trader/pkg/logging"
	"intraday_trader/pkg/telemetry"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	buildTime = "unknown"
	gitHead   = "unknown"
)

var (
	configFile  = flag.String("config", "configs/config.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("intraday_trader %s (built %s, commit %s)\n", version, buildTime, gitHead)
		return
	}
	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configFile = envConfig
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Starting intraday trader",
		"version", version, "commit", gitHead, "config_sha", cfg.SHA(), "broker", cfg.Broker.Name)

	tel, err := telemetry.Setup("intraday_trader")
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}
	metrics := telemetry.GetGlobalMetrics()
	if err := metrics.InitMetrics(telemetry.GetMeter("intraday_trader")); err != nil {
		logger.Fatal("Metrics registration failed", "error", err)
	}

	if err := run(cfg, logger, tel); err != nil {
		logger.Fatal("Trader exited with error", "error", err)
	}
	logger.Info("Trader stopped")
}

func run(cfg *config.Config, logger core.ILogger, tel *telemetry.Telemetry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.App.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clk, err := clock.NewReal(cfg.Session.Timezone)
	if err != nil {
		return err
	}
	hours, err := clock.NewHoursGate(cfg.Session.Timezone,
		cfg.Session.EntryOpen, cfg.Session.EntryClose, cfg.Session.SessionClose,
		cfg.Session.Holidays, clk)
	if err != nil {
		return err
	}

	broker, refresher, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}

	throttle := ratelimit.New(ratelimit.Limits{
		OrdersPerSec:   int(cfg.Limits.OrdersPerSec),
		QuotesPerSec:   int(cfg.Limits.QuotesPerSec),
		DataPerSec:     int(cfg.Limits.DataPerSec),
		QueueHighWater: cfg.Limits.QueueHighWater,
		PriorityBurst:  cfg.Limits.PriorityBurst,
	}, logger)

	exec := execution.NewEngine(st, broker, throttle, refresher, logger)
	manager := oco.NewManager(st, exec, logger)
	eventBus := bus.New(logger)
	defer eventBus.Close()
	market := marketdata.NewStream(broker, eventBus, logger)

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "callbacks",
		MaxWorkers: 8,
	}, logger)
	defer pool.Stop()

	strategies, err := buildStrategies(cfg)
	if err != nil {
		return err
	}

	pct := func(v float64) decimal.Decimal {
		return decimal.NewFromFloat(v).Div(decimal.NewFromInt(100))
	}
	capital := decimal.NewFromFloat(cfg.App.Capital)
	riskEngine := risk.NewEngine(risk.Params{
		Capital:          capital,
		PerTradeRiskPct:  pct(cfg.Risk.PerTradeRiskPct),
		MaxHeatPct:       pct(cfg.Risk.MaxPortfolioHeatPct),
		DailyLossStopPct: pct(cfg.Risk.DailyLossStopPct),
		MaxSpreadMidPct:  pct(cfg.Risk.MaxSpreadMidPct),
	}, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Clock:      clk,
		Hours:      hours,
		Risk:       riskEngine,
		Exec:       exec,
		OCO:        manager,
		Market:     market,
		Bus:        eventBus,
		Strategies: strategies,
		Pool:       pool,
		Logger:     logger,
		ConfigSHA:  cfg.SHA(),
		GitHead:    gitHead,
		Capital:    capital,
	})
	throttle.OnSustained(orch.OnThrottleSustained)

	orderWatcher := watcher.New(st, broker, eventBus, watcher.Callbacks{
		OnEntryFilled:     orch.OnEntryFilled,
		OnEntryTerminated: orch.OnEntryTerminated,
		OnChildFilled:     orch.OnChildFilled,
		OnPartialStop:     orch.OnPartialStop,
		OnOrderRejected:   orch.OnOrderRejected,
	}, logger)

	supervisor := scan.NewSupervisor(cfg.ScanInterval(), cfg.Scan.MaxConsecutiveErrors,
		orch.ScanOnce, logger)
	supervisor.OnSickness(orch.OnScanSickness)
	defer supervisor.Stop()

	backend, err := leader.NewRedisBackend(cfg.Leader.RedisURL)
	if err != nil {
		return fmt.Errorf("leader backend: %w", err)
	}
	instanceID := hostInstanceID()
	lock := leader.NewLock(backend, cfg.Leader.Key, instanceID, cfg.LeaderLease(), logger)
	lock.OnElected(func() {
		orch.OnLeaderElected()
		if err := supervisor.Start(ctx); err != nil {
			logger.Warn("Supervisor start on election failed", "error", err)
		}
	})
	lock.OnDemoted(func() {
		orch.OnLeaderLost()
		supervisor.Stop()
	})

	tokens, err := refreshInstruments(ctx, cfg, broker, st, logger)
	if err != nil {
		return fmt.Errorf("instrument refresh: %w", err)
	}

	scheduler := clock.NewScheduler(hours.Location(), logger)
	if err := scheduler.AddJob(cfg.Session.PreOpenCron, "pre_open_refresh", func() {
		if _, err := refreshInstruments(ctx, cfg, broker, st, logger); err != nil {
			logger.Error("Pre-open instrument refresh failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := scheduler.AddDailyJob(cfg.Session.SessionClose, "eod_flatten", func() {
		if _, err := orch.Flatten(ctx, "eod", "scheduler"); err != nil {
			logger.Error("EOD flatten failed", "error", err)
		}
	}); err != nil {
		return err
	}

	monitor := health.NewMonitor(logger)
	monitor.Register("broker", func() error {
		hctx, cancel := context.WithTimeout(context.Background(), cfg.BrokerTimeout())
		defer cancel()
		return broker.CheckHealth(hctx)
	})
	monitor.Register("database", func() error {
		hctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := st.OpenOrders(hctx)
		return err
	})

	_, port, _ := strings.Cut(cfg.App.ListenAddr, ":")
	server := controlplane.NewServer(port, controlplane.Deps{
		Orch:       orch,
		Store:      st,
		Health:     monitor,
		Supervisor: supervisor,
		IsLeader:   lock.IsLeader,
		Logger:     logger,
	})

	if err := orch.Startup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	server.Start()
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lock.Run(gctx)
		return nil
	})
	g.Go(func() error { return orderWatcher.Run(gctx) })
	g.Go(func() error { return market.Run(gctx, tokens) })

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	orch.Shutdown(shutdownCtx)
	broker.StopStreams()
	if serr := server.Stop(shutdownCtx); serr != nil {
		logger.Warn("Control plane shutdown failed", "error", serr)
	}
	if terr := tel.Shutdown(shutdownCtx); terr != nil {
		logger.Warn("Telemetry shutdown failed", "error", terr)
	}

	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func buildBroker(cfg *config.Config, logger core.ILogger) (core.IBroker, execution.TokenRefresher, error) {
	switch cfg.Broker.Name {
	case "paper":
		seed := make([]core.Instrument, 0, len(cfg.App.Symbols))
		for i, sym := range cfg.App.Symbols {
			seed = append(seed, core.Instrument{
				Symbol:   sym,
				Token:    uint32(i + 1),
				TickSize: decimal.NewFromFloat(0.05),
				LotSize:  1,
			})
		}
		return paper.New(seed, logger), nil, nil
	case "kite":
		b := kite.New(kite.Config{
			APIKey:      cfg.Broker.APIKey,
			AccessToken: cfg.Broker.AccessToken,
			BaseURL:     cfg.Broker.BaseURL,
			TickWSURL:   cfg.Broker.TickWSURL,
			OrderWSURL:  cfg.Broker.OrderWSURL,
			Timeout:     cfg.BrokerTimeout(),
			Tokens: func(context.Context) (string, error) {
				return os.Getenv("KITE_ACCESS_TOKEN"), nil
			},
		}, logger)
		return b, b, nil
	}
	return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
}

func buildStrategies(cfg *config.Config) ([]core.IStrategy, error) {
	open, err := time.Parse("15:04", cfg.Session.EntryOpen)
	if err != nil {
		return nil, err
	}
	openMinute := open.Hour()*60 + open.Minute()

	var out []core.IStrategy
	for _, name := range cfg.App.Strategies {
		switch strings.ToUpper(name) {
		case "ORB":
			out = append(out, strategy.NewORB(openMinute))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	if len(out) == 0 {
		out = append(out, strategy.NewORB(openMinute))
	}
	return out, nil
}

// refreshInstruments pulls the broker's instrument dump, persists the
// configured universe, and returns the tick stream tokens.
func refreshInstruments(ctx context.Context, cfg *config.Config, broker core.IBroker,
	st core.IStore, logger core.ILogger) ([]uint32, error) {

	all, err := broker.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(cfg.App.Symbols))
	for _, sym := range cfg.App.Symbols {
		wanted[sym] = struct{}{}
	}

	var universe []core.Instrument
	var tokens []uint32
	for _, in := range all {
		if _, ok := wanted[in.Symbol]; !ok {
			continue
		}
		universe = append(universe, in)
		tokens = append(tokens, in.Token)
	}
	if len(universe) == 0 {
		return nil, fmt.Errorf("no instruments matched %d configured symbols", len(cfg.App.Symbols))
	}
	if err := st.UpsertInstruments(ctx, universe); err != nil {
		return nil, err
	}
	logger.Info("Instrument universe refreshed", "count", len(universe))
	return tokens, nil
}

func hostInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "trader"
	}
	return host + "-" + uuid.NewString()[:8]
}
