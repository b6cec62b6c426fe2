// Package main provides the entry point for the event-driven trading bot.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/scrantonlabs/eventbot/internal/broker"
	"github.com/scrantonlabs/eventbot/internal/config"
	"github.com/scrantonlabs/eventbot/internal/dashboard"
	"github.com/scrantonlabs/eventbot/internal/data"
	"github.com/scrantonlabs/eventbot/internal/drawdown"
	"github.com/scrantonlabs/eventbot/internal/eventbus"
	"github.com/scrantonlabs/eventbot/internal/exit"
	"github.com/scrantonlabs/eventbot/internal/housekeeping"
	"github.com/scrantonlabs/eventbot/internal/marketdata"
	"github.com/scrantonlabs/eventbot/internal/metrics"
	"github.com/scrantonlabs/eventbot/internal/models"
	"github.com/scrantonlabs/eventbot/internal/notify"
	"github.com/scrantonlabs/eventbot/internal/orders"
	"github.com/scrantonlabs/eventbot/internal/position"
	"github.com/scrantonlabs/eventbot/internal/reconcile"
	"github.com/scrantonlabs/eventbot/internal/risk"
	"github.com/scrantonlabs/eventbot/internal/store"
	"github.com/scrantonlabs/eventbot/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

// drawdownHandle breaks the construction cycle between the drawdown
// monitor (which flattens through the order manager) and the order
// manager / risk gate (which size and gate against the monitor's level).
// Until the monitor is set, it reports normal.
type drawdownHandle struct {
	mu      sync.RWMutex
	monitor *drawdown.Monitor
}

func (h *drawdownHandle) set(m *drawdown.Monitor) {
	h.mu.Lock()
	h.monitor = m
	h.mu.Unlock()
}

func (h *drawdownHandle) Level() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.monitor == nil {
		return string(drawdown.LevelNormal)
	}
	return h.monitor.Level()
}

func (h *drawdownHandle) WarningPositionMultiplier() decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.monitor == nil {
		return decimal.NewFromInt(1)
	}
	return h.monitor.WarningPositionMultiplier()
}

// flattenAdapter pairs the broker's position listing with the order
// manager's liquidation path for the drawdown monitor.
type flattenAdapter struct {
	broker broker.Broker
	orders *orders.Manager
}

func (f *flattenAdapter) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return f.broker.GetPositions(ctx)
}

func (f *flattenAdapter) FlattenAll(ctx context.Context, positions []models.BrokerPosition) []error {
	return f.orders.FlattenAll(ctx, positions)
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Local development secrets (broker keys, webhook URLs) load before
	// the YAML so ${VAR} interpolation sees them. Missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags|log.Lshortfile)

	rootLogger := logrus.New()
	rootLogger.SetOutput(os.Stdout)
	if cfg.Environment.Mode == "live" {
		rootLogger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		rootLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, lerr := logrus.ParseLevel(cfg.Environment.LogLevel); lerr == nil {
		rootLogger.SetLevel(lvl)
	}

	logger.Printf("Starting event bot in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		if os.Getenv("BOT_SKIP_LIVE_WAIT") != "1" {
			logger.Println("Waiting 10 seconds to confirm... (set BOT_SKIP_LIVE_WAIT=1 to skip)")
			time.Sleep(10 * time.Second)
		}
	}

	st, err := store.Open(cfg.Storage.Path, log.New(os.Stdout, "[STORE] ", log.LstdFlags))
	if err != nil {
		logger.Printf("Failed to open store: %v", err)
		return 1
	}
	defer st.Close()

	bus := eventbus.New(eventbus.DefaultMainCapacity, log.New(os.Stdout, "[BUS] ", log.LstdFlags))
	m := metrics.New(
		func() float64 { return float64(bus.MainDrops()) },
		func() float64 { return float64(bus.ExitDrops()) },
	)

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, nil, log.New(os.Stdout, "[NOTIFY] ", log.LstdFlags))
	} else {
		notifier = notify.NewLogNotifier(log.New(os.Stdout, "[NOTIFY] ", log.LstdFlags))
	}

	dataHandler := data.NewHandler(st, bus, cfg.Timeframe, log.New(os.Stdout, "[DATA] ", log.LstdFlags))

	paper := broker.NewPaperBroker(dataHandler, broker.PaperBrokerConfig{
		KillSwitch:     cfg.Environment.KillSwitch,
		KillSwitchFile: cfg.Environment.KillSwitchFile,
		DryRun:         cfg.Environment.DryRun,
	}, log.New(os.Stdout, "[BROKER] ", log.LstdFlags))
	b := broker.NewCircuitBreakerBroker(paper)

	tracker := position.New(st, position.Config{
		TrailingMultiplier: decimal.NewFromFloat(cfg.Exit.TrailingMultiplier),
	}, log.New(os.Stdout, "[POSITION] ", log.LstdFlags))

	ddHandle := &drawdownHandle{}

	gate := risk.New(risk.Config{
		KillSwitch:             cfg.Environment.KillSwitch,
		CircuitBreakerMax:      5,
		SessionPolicy:          cfg.Session.Policy,
		MaxDailyLoss:           decimal.NewFromFloat(cfg.Risk.MaxDailyLoss),
		MaxTradesPerDay:        cfg.Risk.MaxTradesPerDay,
		MaxPositionPct:         decimal.NewFromFloat(cfg.Risk.MaxPositionPct),
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		GateCooldown:           cfg.GateCooldown(),
		MinConfidence:          0.5,
		MinMinutesAfterOpen:    cfg.Filters.MinMinutesAfterOpen,
		MinMinutesBeforeClose:  cfg.Filters.MinMinutesBeforeClose,
		EquitiesOnly:           cfg.IsEquity,
	}, b, st, tracker, st, ddHandle, cfg.Environment.KillSwitchFile, log.New(os.Stdout, "[RISK] ", log.LstdFlags))

	manager := orders.NewManager(b, st, gate, ddHandle, bus, log.New(os.Stdout, "[ORDERS] ", log.LstdFlags), orders.Config{
		MaxPositionPct:     decimal.NewFromFloat(cfg.Risk.MaxPositionPct),
		MaxRiskPerTradePct: decimal.NewFromFloat(cfg.Risk.MaxRiskPerTradePct),
		StopLossPct:        decimal.NewFromFloat(cfg.Risk.StopLossPct),
		CircuitBreakerMax:  5,
	})

	exitMgr := exit.New(exit.Config{
		ATRStopMultiplier:   decimal.NewFromFloat(cfg.Exit.ATRStopMultiplier),
		ATRProfitMultiplier: decimal.NewFromFloat(cfg.Exit.ATRProfitMultiplier),
		StopLossPct:         decimal.NewFromFloat(cfg.Exit.StopLossPct),
		ProfitTargetPct:     decimal.NewFromFloat(cfg.Exit.ProfitTargetPct),
		Timeframe:           cfg.Timeframe,
	}, tracker, dataHandler, b, st, bus, log.New(os.Stdout, "[EXIT] ", log.LstdFlags))

	reconciler := reconcile.New(reconcile.DefaultConfig, b, st, tracker, notifier, log.New(os.Stdout, "[RECONCILE] ", log.LstdFlags))

	// Startup reconciliation runs before any event is accepted; an
	// unrepairable discrepancy refuses to trade and leaves a report
	// behind for the operator.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 60*time.Second)
	report, err := reconciler.Startup(startupCtx)
	startupCancel()
	if err != nil {
		logger.Printf("Startup reconciliation failed: %v", err)
		if errors.Is(err, reconcile.ErrStartupDiscrepancy) {
			reportPath := filepath.Join(cfg.Storage.DataDir, "reconciliation_error.json")
			if werr := writeReconciliationReport(reportPath, report); werr != nil {
				logger.Printf("Failed to write reconciliation report: %v", werr)
			} else {
				logger.Printf("Reconciliation report written to %s", reportPath)
			}
		}
		return 2
	}

	if err := tracker.Rehydrate(); err != nil {
		logger.Printf("Failed to rehydrate positions: %v", err)
		return 1
	}
	if err := dataHandler.Warm(cfg.AllSymbols()); err != nil {
		logger.Printf("Failed to warm history windows: %v", err)
		return 1
	}

	strat := strategy.NewSMACrossoverStrategy(strategy.DefaultConfig, st, log.New(os.Stdout, "[STRATEGY] ", log.LstdFlags))

	var monitor *drawdown.Monitor
	if cfg.Drawdown.Enabled {
		monitor, err = drawdown.New(drawdown.Config{
			WarningThresholdPct:           cfg.Drawdown.WarningThresholdPct,
			WarningRecoveryThresholdPct:   cfg.Drawdown.WarningRecoveryThresholdPct,
			HaltThresholdPct:              cfg.Drawdown.HaltThresholdPct,
			HaltRecoveryThresholdPct:      cfg.Drawdown.HaltRecoveryThresholdPct,
			EmergencyThresholdPct:         cfg.Drawdown.EmergencyThresholdPct,
			EmergencyRecoveryThresholdPct: cfg.Drawdown.EmergencyRecoveryThresholdPct,
			WarningPositionMultiplier:     decimal.NewFromFloat(cfg.Drawdown.WarningPositionMultiplier),
			EnableAutoRecovery:            cfg.Drawdown.EnableAutoRecovery,
			LookbackDays:                  cfg.Drawdown.LookbackDays,
		}, b, &flattenAdapter{broker: b, orders: manager}, st, notifier, log.New(os.Stdout, "[DRAWDOWN] ", log.LstdFlags))
		if err != nil {
			logger.Printf("Failed to initialise drawdown monitor: %v", err)
			return 1
		}
		ddHandle.set(monitor)
	}

	loc, err := cfg.ResolveLocation()
	if err != nil {
		logger.Printf("Failed to resolve market timezone: %v", err)
		return 1
	}
	hk := housekeeping.New(housekeeping.Config{
		Location:    loc,
		MetricsPath: filepath.Join(cfg.Storage.DataDir, "metrics.json"),
	}, b, st, manager, m, log.New(os.Stdout, "[HOUSEKEEPING] ", log.LstdFlags))

	feed := newPaperFeed(b, cfg.AllSymbols(), cfg.Timeframe, time.Now().UnixNano())
	source := marketdata.NewPollingSource(feed, cfg.AllSymbols(), func() []string {
		intents, err := st.ListNonTerminalOrderIntents()
		if err != nil {
			logger.Printf("Failed to list tracked orders: %v", err)
			return nil
		}
		ids := make([]string, 0, len(intents))
		for _, it := range intents {
			if it.BrokerOrderID != "" {
				ids = append(ids, it.BrokerOrderID)
			}
		}
		return ids
	}, log.New(os.Stdout, "[MARKETDATA] ", log.LstdFlags))

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashServer = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
			Mode:      cfg.Environment.Mode,
		}, st, tracker, b, m.Handler(), rootLogger)
		logger.Printf("Dashboard enabled at http://0.0.0.0:%d", cfg.Dashboard.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	disp := newDispatcher(ctx, bus, manager, tracker, st, b, strat, dataHandler, exitMgr, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return source.Run(gctx) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case bar := <-source.Bars():
				dataHandler.OnBar(bar)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case update := <-source.OrderUpdates():
				bus.PublishMain(update)
			}
		}
	})
	g.Go(func() error {
		bus.Dispatch(gctx, disp.handle)
		return gctx.Err()
	})
	g.Go(func() error { return exitMgr.Run(gctx, cfg.ExitCheckInterval()) })
	g.Go(func() error { return reconciler.Run(gctx, cfg.ReconcileInterval()) })
	if monitor != nil {
		g.Go(func() error { return monitor.Run(gctx, cfg.DrawdownCheckInterval()) })
	}
	g.Go(func() error { return hk.RunSnapshots(gctx) })
	g.Go(func() error { return hk.RunDailyReset(gctx) })
	if dashServer != nil {
		g.Go(func() error {
			if err := dashServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return dashServer.Shutdown(shutdownCtx)
		})
	}

	logger.Println("Bot running; press Ctrl-C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("Task failed: %v", err)
	}

	// Graceful shutdown runs after every task has stopped: cancel open
	// orders, flatten positions, take a final snapshot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := hk.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Graceful shutdown finished with errors: %v", err)
		return 1
	}
	logger.Println("Bot stopped successfully")
	return 0
}

// writeReconciliationReport persists the failed startup pass for the
// operator; mirrors the report row already stored in the database.
func writeReconciliationReport(path string, report models.ReconciliationReport) error {
	type discrepancyView struct {
		Rule        string `json:"rule"`
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
	}
	view := struct {
		Timestamp     string            `json:"timestamp"`
		DurationMs    int64             `json:"duration_ms"`
		Status        string            `json:"status"`
		Discrepancies []discrepancyView `json:"discrepancies"`
	}{
		Timestamp:  report.Timestamp.UTC().Format(time.RFC3339),
		DurationMs: report.Duration.Milliseconds(),
		Status:     report.Status,
	}
	for _, d := range report.Discrepancies {
		view.Discrepancies = append(view.Discrepancies, discrepancyView{Rule: d.Rule, Symbol: d.Symbol, Description: d.Description})
	}
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
