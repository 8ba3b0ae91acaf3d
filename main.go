package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/adapter"
	"tickflow/internal/adapter/binance"
	"tickflow/internal/adapter/bybit"
	"tickflow/internal/adapter/kucoin"
	"tickflow/internal/cache"
	"tickflow/internal/dashboard"
	"tickflow/internal/market"
	"tickflow/internal/metrics"
	"tickflow/internal/ratelimit"
	"tickflow/internal/store"
	"tickflow/internal/stream"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InitCloudWatch("", cfg.Tickflow.Name, cfg.Logging.DashboardName)
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval.Duration)
	}

	metrics.Init(cfg.Metrics.PrometheusAddr)

	sharedStore := buildStore(cfg, log)
	degraded := func() bool { return false }
	if fb, ok := sharedStore.(*store.FallbackStore); ok {
		degraded = fb.Degraded
	}

	windows := make(map[string]ratelimit.Window, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		windows[strings.ToLower(name)] = ratelimit.Window{
			MaxRequests: rl.MaxRequests,
			Duration:    rl.Window.Duration,
		}
	}
	limiter := ratelimit.NewLimiter(sharedStore, windows)

	tickerCache := cache.New(sharedStore, cache.TTLConfig{
		Ticker:  cfg.Cache.TickerTTL.Duration,
		Symbols: cfg.Cache.SymbolsTTL.Duration,
		Health:  cfg.Cache.HealthTTL.Duration,
	})

	registry := buildAdapters(cfg, limiter, tickerCache, log)

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	for _, name := range registry.Names() {
		a, err := registry.Get(name)
		if err != nil {
			continue
		}
		if err := a.Initialize(initCtx); err != nil {
			log.WithComponent("main").WithError(err).WithFields(logger.Fields{
				"exchange": name,
			}).Warn("adapter initialization failed")
		}
	}
	initCancel()

	var wg sync.WaitGroup

	dash, err := dashboard.NewServer(cfg.Dashboard, log, registry, tickerCache, degraded)
	if err != nil {
		log.WithError(err).Error("failed to build dashboard server")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithComponent("dashboard").WithError(err).Error("dashboard server failed")
			}
		}()
		log.WithComponent("main").WithFields(logger.Fields{
			"addr": dash.Address(),
		}).Info("dashboard listening")
	}

	startPolling(ctx, &wg, cfg, registry, log)

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()
	registry.DisconnectAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}

// buildStore connects the shared redis store wrapped with the in-process
// fallback, or a plain memory store when redis is disabled.
func buildStore(cfg *config.Config, log *logger.Log) store.Store {
	if !cfg.Store.Redis.Enabled {
		log.WithComponent("main").Info("redis disabled, using in-process store")
		return store.NewMemoryStore()
	}

	primary := store.NewRedisStore(store.RedisOptions{
		Addr:        cfg.Store.Redis.Addr,
		Password:    cfg.Store.Redis.Password,
		DB:          cfg.Store.Redis.DB,
		DialTimeout: cfg.Store.Redis.DialTimeout.Duration,
		OpTimeout:   cfg.Store.Redis.OpTimeout.Duration,
	})
	log.WithComponent("main").WithFields(logger.Fields{
		"addr": cfg.Store.Redis.Addr,
	}).Info("using redis store with in-process fallback")
	return store.NewFallbackStore(primary)
}

func buildAdapters(cfg *config.Config, limiter *ratelimit.Limiter, tickerCache *cache.Cache, log *logger.Log) *adapter.Registry {
	registry := adapter.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.Fetch.HTTPTimeout.Duration}
	retry := adapter.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		Multiplier:  cfg.Retry.Multiplier,
	}

	clientConfig := func(exchange string) adapter.ClientConfig {
		return adapter.ClientConfig{
			Pipeline:         adapter.NewPipeline(exchange, httpClient, limiter, retry, cfg.Fetch.PaceRPS),
			Limiter:          limiter,
			Cache:            tickerCache,
			BatchConcurrency: cfg.Fetch.BatchConcurrency,
		}
	}

	if src := cfg.Source.Binance; src.Enabled {
		registry.Register(binance.New(binance.Config{
			RestURL:      src.RestURL,
			StreamURL:    src.StreamURL,
			ClientConfig: clientConfig("binance"),
		}, stream.Options{}))
	}
	if src := cfg.Source.Bybit; src.Enabled {
		registry.Register(bybit.New(bybit.Config{
			RestURL:      src.RestURL,
			StreamURL:    src.StreamURL,
			ClientConfig: clientConfig("bybit"),
		}, stream.Options{}))
	}
	if src := cfg.Source.Kucoin; src.Enabled {
		registry.Register(kucoin.New(kucoin.Config{
			RestURL:      src.RestURL,
			BulletURL:    src.StreamURL,
			ClientConfig: clientConfig("kucoin"),
		}, stream.Options{}))
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"exchanges": registry.Names(),
	}).Info("adapters registered")
	return registry
}

// startPolling keeps the configured symbols fresh over REST and subscribes
// them for push updates where the exchange supports it.
func startPolling(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, registry *adapter.Registry, log *logger.Log) {
	interval := cfg.Cache.TickerTTL.Duration
	if interval <= 0 {
		interval = 10 * time.Second
	}

	for name, src := range cfg.Source.Enabled() {
		a, err := registry.Get(name)
		if err != nil {
			continue
		}

		for _, symbol := range src.Symbols {
			if err := a.Subscribe(ctx, symbol, func(snap market.Snapshot) {
				log.WithComponent("main").WithFields(logger.Fields{
					"exchange": snap.Exchange,
					"symbol":   snap.Symbol,
					"price":    snap.Price.String(),
				}).Debug("push update")
			}); err != nil {
				log.WithComponent("main").WithError(err).WithFields(logger.Fields{
					"exchange": name,
					"symbol":   symbol,
				}).Warn("subscribe failed")
			}
		}

		wg.Add(1)
		go func(a adapter.Adapter, symbols []string) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for snap := range a.FetchTickers(ctx, symbols) {
						if !snap.IsActive() {
							log.WithComponent("main").WithFields(logger.Fields{
								"exchange": snap.Exchange,
								"symbol":   snap.Symbol,
								"detail":   snap.ErrorDetail,
							}).Warn("ticker unavailable")
						}
					}
				}
			}
		}(a, src.Symbols)
	}
}
