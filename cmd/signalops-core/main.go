package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalops/signalops/internal/api"
	"github.com/signalops/signalops/internal/config"
	"github.com/signalops/signalops/internal/events"
	"github.com/signalops/signalops/internal/execution"
	"github.com/signalops/signalops/internal/ledger"
	"github.com/signalops/signalops/internal/metrics"
	"github.com/signalops/signalops/internal/observability"
	"github.com/signalops/signalops/internal/pipeline"
	"github.com/signalops/signalops/internal/risk"
	"github.com/signalops/signalops/internal/rules"
	"github.com/signalops/signalops/internal/strategy"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/signalops.yaml", "Path to configuration file")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("========================================")
	log.Info().Msg("SignalOps Decision Pipeline - Starting")
	log.Info().Msg("GATE -> EVALUATE -> DECIDE -> RISK -> EXECUTE -> RECORD")
	log.Info().Msg("========================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("account", cfg.General.Account).
		Str("broker", cfg.Broker.Mode).
		Str("ledger", cfg.Ledger.Backend).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 4. Decision ledger.
	store, closeStore, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open decision ledger")
	}
	defer closeStore()
	led := ledger.New(store)

	// 5. Metric providers.
	var (
		redisClient *redis.Client
		cache       redis.Cmdable
	)
	if cfg.Cache.Enabled {
		redisClient, err = metrics.NewRedisClient(ctx, metrics.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect metric cache")
		}
		defer redisClient.Close()
		cache = redisClient
	}
	router, direct, err := buildRouter(cfg, cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure metric providers")
	}

	// 6. Event calendar.
	cal := events.NewStaticCalendar()
	if cfg.EventGate.CalendarFile != "" {
		cal, err = events.LoadCalendarFile(cfg.EventGate.CalendarFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load event calendar")
		}
	}
	gate := events.NewGate(cal, cfg.EventGate.GateConfig())

	// 7. Positions, risk gate and broker.
	book := execution.NewPositionBook()
	riskGate := risk.NewGate(book, cfg.Risk.Profiles())
	// Prices bypass the cache: a stale quote must never size or price an order.
	quotes := execution.NewMetricQuoteSource(direct.For(strategy.SourceTechnical))
	paperCfg := execution.PaperConfig{
		SlippageBps: cfg.Broker.SlippageBps,
		FeeBps:      cfg.Broker.FeeBps,
		BuyingPower: decimal.NewFromFloat(cfg.Broker.BuyingPowerUSD),
	}
	broker, err := execution.NewBroker(cfg.Broker.Mode, paperCfg, quotes)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create broker")
	}

	// 8. Pipeline.
	m := observability.NewMetrics()
	svc, err := pipeline.NewService(pipeline.Deps{
		Strategies: strategy.NewRegistry(),
		Evaluator:  rules.NewEvaluator(router, rules.Config{Timeout: cfg.Evaluator.MetricTimeout(), Concurrency: cfg.Evaluator.Concurrency}),
		EventGate:  gate,
		Risk:       riskGate,
		Exposure:   book,
		Broker:     broker,
		Quotes:     quotes,
		Positions:  book,
		Ledger:     led,
		Metrics:    m,
	}, pipeline.Config{
		Account:           cfg.General.Account,
		BasketConcurrency: cfg.Evaluator.BasketConcurrency,
		MarketSlippageBps: cfg.Broker.SlippageBps,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}

	for _, path := range cfg.Strategies {
		if err := loadStrategy(svc, path); err != nil {
			log.Fatal().Err(err).Str("file", path).Msg("Failed to load strategy")
		}
	}

	// 9. Health.
	health := observability.NewHealthMonitor(2 * time.Second)
	health.Register("ledger", func(ctx context.Context) observability.ComponentHealth {
		if err := led.Ping(ctx); err != nil {
			return observability.Unhealthy(err)
		}
		return observability.Healthy()
	})
	health.Register("risk_gate", func(context.Context) observability.ComponentHealth {
		if state := riskGate.State(); state != "active" {
			return observability.Degraded(state)
		}
		return observability.Healthy()
	})
	if redisClient != nil {
		health.Register("metric_cache", func(ctx context.Context) observability.ComponentHealth {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return observability.Degraded("cache unavailable: " + err.Error())
			}
			return observability.Healthy()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Run(ctx, 15*time.Second)
	}()

	// 10. HTTP server.
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.NewServer(svc, m, health),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	log.Info().
		Str("addr", cfg.Server.ListenAddr).
		Int("strategies", len(svc.Strategies().List())).
		Msg("HTTP server started (api + ws + metrics + health)")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("HTTP server error")
		cancel()
	}

	wg.Wait()

	gm := riskGate.Metrics()
	log.Info().
		Interface("risk", gm).
		Int64("ledger_dropped_feed", led.Dropped()).
		Msg("SignalOps - Final Statistics")
	log.Info().Msg("SignalOps Decision Pipeline - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "signalops-core").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "signalops-core").
			Str("instance", general.InstanceID).Logger()
	}
}

func openLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, func(), error) {
	if cfg.Backend != "postgres" {
		log.Warn().Msg("Decision ledger is in memory; records are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil
	}
	pg, err := ledger.NewPostgresStore(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("migrate ledger: %w", err)
		}
		log.Info().Msg("Decision ledger schema migrated")
	}
	return pg, pg.Close, nil
}

// buildRouter binds each configured source category to its provider. The
// first router wraps HTTP providers in the Redis cache when one is
// available; the second reaches every provider directly.
func buildRouter(cfg *config.Config, cache redis.Cmdable) (*metrics.Router, *metrics.Router, error) {
	router := metrics.NewRouter()
	direct := metrics.NewRouter()
	for name, pc := range cfg.Providers {
		src, err := strategy.ParseSource(name)
		if err != nil {
			return nil, nil, err
		}

		var p metrics.Provider
		switch pc.Type {
		case "static":
			sp := metrics.NewStaticProvider()
			for asset, values := range pc.Static {
				for metric, v := range values {
					sp.Set(asset, metric, v)
				}
			}
			p = sp
		default:
			hp, err := metrics.NewHTTPProvider(metrics.HTTPConfig{
				Name:               name,
				BaseURL:            pc.BaseURL,
				APIKey:             pc.APIKey,
				RateLimitPerSecond: pc.RateLimitRPS,
				Burst:              pc.Burst,
				Timeout:            cfg.Evaluator.MetricTimeout(),
				MaxRetries:         cfg.Evaluator.MaxRetries,
				BackoffBase:        cfg.Evaluator.Backoff(),
			})
			if err != nil {
				return nil, nil, err
			}
			p = hp
		}
		if err := direct.Register(src, p); err != nil {
			return nil, nil, err
		}
		if hp, ok := p.(*metrics.HTTPProvider); ok && cache != nil {
			p = metrics.NewRedisCache(hp, cache, string(src), time.Duration(cfg.Cache.TTLSec)*time.Second)
		}
		if err := router.Register(src, p); err != nil {
			return nil, nil, err
		}
		log.Info().Str("source", string(src)).Str("type", pc.Type).Msg("Metric provider registered")
	}

	if len(router.Bound()) == 0 {
		log.Warn().Msg("No metric providers configured; every trigger will be N/A")
	}
	return router, direct, nil
}

func loadStrategy(svc *pipeline.Service, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read strategy: %w", err)
	}
	cfg, err := svc.RegisterStrategy(data)
	if err != nil {
		return err
	}
	log.Info().Str("strategy", cfg.Name).Int("version", cfg.Version).Str("file", path).Msg("Strategy loaded")
	return nil
}
