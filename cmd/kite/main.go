// Kite - event-driven decisions for ticket marketplaces.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ticketmesh/kite/internal/api"
	"github.com/ticketmesh/kite/internal/bus"
	"github.com/ticketmesh/kite/internal/cache"
	"github.com/ticketmesh/kite/internal/domain"
	"github.com/ticketmesh/kite/internal/facts"
	"github.com/ticketmesh/kite/internal/fraud"
	"github.com/ticketmesh/kite/internal/notify"
	"github.com/ticketmesh/kite/internal/pricing"
	"github.com/ticketmesh/kite/internal/provider"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize Facts store
	factsImpl, err := facts.New(cfg.Repository, cacheImpl)
	if err != nil {
		slog.Error("failed to initialize facts store", "error", err)
		os.Exit(1)
	}
	defer factsImpl.Close()
	slog.Info("facts store initialized", "driver", cfg.Repository.Driver)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Fraud Engine
	fraudEngine, err := fraud.NewEngine(factsImpl, busImpl, logger, fraud.Options{
		RiskThreshold: cfg.Fraud.RiskThreshold,
		FetchTimeout:  time.Duration(cfg.Fraud.FetchTimeoutSecs) * time.Second,
		EvalTimeout:   time.Duration(cfg.Fraud.EvalTimeoutSecs) * time.Second,
		MaxWorkers:    cfg.Fraud.MaxWorkers,
		Recorder:      factsImpl,
	})
	if err != nil {
		slog.Error("failed to initialize fraud engine", "error", err)
		os.Exit(1)
	}

	// Load operator-supplied CEL rules on top of the defaults
	if len(cfg.Fraud.CustomRules) > 0 {
		customRules, err := fraud.CompileRules(cfg.Fraud.CustomRules)
		if err != nil {
			slog.Error("failed to compile custom fraud rules", "error", err)
			os.Exit(1)
		}
		for _, rule := range customRules {
			fraudEngine.RegisterRule(rule)
		}
		slog.Info("custom fraud rules loaded", "count", len(customRules))
	}

	if err := fraudEngine.Start(); err != nil {
		slog.Error("failed to start fraud engine", "error", err)
		os.Exit(1)
	}
	defer fraudEngine.Stop()
	slog.Info("fraud engine initialized", "risk_threshold", cfg.Fraud.RiskThreshold)

	// Initialize Pricing Engine
	pricingEngine, err := pricing.NewEngine(factsImpl, factsImpl, busImpl, logger, pricing.Options{
		FetchTimeout:   time.Duration(cfg.Pricing.FetchTimeoutSecs) * time.Second,
		PredictionDays: cfg.Pricing.PredictionDays,
	})
	if err != nil {
		slog.Error("failed to initialize pricing engine", "error", err)
		os.Exit(1)
	}
	if err := pricingEngine.Start(); err != nil {
		slog.Error("failed to start pricing engine", "error", err)
		os.Exit(1)
	}
	defer pricingEngine.Stop()
	slog.Info("pricing engine initialized", "prediction_days", cfg.Pricing.PredictionDays)

	// Initialize Ticket Source
	sourceCfg := provider.SourceConfig{
		Name:    envOr("KITE_TICKET_SOURCE", "internal"),
		APIKey:  os.Getenv("KITE_TICKET_SOURCE_KEY"),
		BaseURL: os.Getenv("KITE_TICKET_SOURCE_URL"),
	}
	ticketSource, err := provider.NewTicketSource(sourceCfg, factsImpl, busImpl, logger)
	if err != nil {
		slog.Error("failed to initialize ticket source", "error", err)
		os.Exit(1)
	}
	slog.Info("ticket source initialized", "source", sourceCfg.Name)

	// Initialize Payment Provider
	paymentName := envOr("KITE_PAYMENT_PROVIDER", "stripe")
	payments, err := provider.NewPaymentProvider(paymentName, busImpl, logger)
	if err != nil {
		slog.Error("failed to initialize payment provider", "error", err)
		os.Exit(1)
	}
	slog.Info("payment provider initialized", "provider", paymentName)

	// Optional operator alert observer
	var observer *notify.Observer
	if alertUser := os.Getenv("KITE_ALERT_USER"); alertUser != "" {
		threshold := 5.0
		if raw := os.Getenv("KITE_ALERT_THRESHOLD"); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				threshold = v
			}
		}
		observer, err = notify.NewObserver(alertUser, envOr("KITE_ALERT_CHANNEL", "in_app"), threshold, busImpl, factsImpl, logger)
		if err != nil {
			slog.Error("failed to initialize alert observer", "error", err)
			os.Exit(1)
		}
		if err := observer.Start(); err != nil {
			slog.Error("failed to start alert observer", "error", err)
			os.Exit(1)
		}
		defer observer.Stop()
		slog.Info("alert observer started", "user", alertUser, "threshold", threshold)
	}

	// Initialize Server
	handler := api.NewHandler(fraudEngine, pricingEngine, ticketSource, payments, factsImpl, cacheImpl, Version)
	srv := api.NewServer(cfg.Server, cfg.Gateway, handler, cacheImpl, logger)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kite shutdown complete")
}

// loadConfig reads the YAML config named by KITE_CONFIG over the defaults,
// then applies environment overrides for secrets.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()

	if path := os.Getenv("KITE_CONFIG"); path != "" {
		loaded, err := domain.LoadConfig(path)
		if err != nil {
			slog.Error("failed to load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if secret := os.Getenv("KITE_JWT_SECRET"); secret != "" {
		cfg.Gateway.JWTSecret = secret
	}
	if os.Getenv("KITE_DEBUG") == "true" {
		cfg.Logging.Level = "debug"
	}
	return cfg
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                    KITE")
	fmt.Println("     Decision engine for ticket marketplaces")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /fraud/evaluate    - Score a transaction")
	fmt.Println("    PUT  /fraud/threshold   - Set the risk threshold")
	fmt.Println("    POST /pricing/calculate - Suggest a listing price")
	fmt.Println("    POST /pricing/update    - Apply a price change")
	fmt.Println("    GET  /pricing/history   - Price history for a ticket")
	fmt.Println("    GET  /pricing/predict   - Price forecast for a ticket")
	fmt.Println("    GET  /tickets           - List tickets")
	fmt.Println("    POST /tickets           - Create a listing")
	fmt.Println("    POST /payments          - Process a payment")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
