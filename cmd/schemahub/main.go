package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/inspector"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/notify"
	"github.com/wudi/schemahub/internal/orchestrator"
	"github.com/wudi/schemahub/internal/policy"
	"github.com/wudi/schemahub/internal/registry"
	"github.com/wudi/schemahub/internal/schema"
	"github.com/wudi/schemahub/internal/server"
	"github.com/wudi/schemahub/internal/tracing"
	"github.com/wudi/schemahub/internal/validation"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/schemahub.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Schemahub %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		cfg, err = loader.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:  cfg.Logging.Level,
		Output: cfg.Logging.Output,
		Rotation: logging.Rotation{
			MaxSize:    cfg.Logging.Rotation.MaxSize,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAge:     cfg.Logging.Rotation.MaxAge,
			Compress:   cfg.Logging.Rotation.Compress,
			LocalTime:  cfg.Logging.Rotation.LocalTime,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting schema registry",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("store", cfg.Registry.Store),
		zap.Int("policy_rules", len(cfg.Policy.Rules)),
	)

	if err := run(cfg, *configPath, logger); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger *zap.Logger) error {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		opts := &redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		}
		if cfg.Redis.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	var store registry.Store
	switch cfg.Registry.Store {
	case "redis":
		store = registry.NewRedisStore(rdb, cfg.Registry.KeyPrefix, cfg.Registry.HistoryLimit)
	default:
		store = registry.NewMemoryStore(cfg.Registry.HistoryLimit)
	}

	var cache *orchestrator.Cache
	if cfg.Composition.Cache.Enabled {
		var cacheRdb *redis.Client
		if cfg.Composition.Cache.Redis {
			cacheRdb = rdb
		}
		cache, err = orchestrator.NewCache(cfg.Composition.Cache.Size, cacheRdb, cfg.Composition.Cache.TTL)
		if err != nil {
			return fmt.Errorf("composition cache: %w", err)
		}
	}

	external, err := orchestrator.NewExternalComposer(orchestrator.ExternalOptions{
		Timeout:          cfg.Composition.External.Timeout,
		MaxRetries:       cfg.Composition.External.MaxRetries,
		InitialInterval:  cfg.Composition.External.InitialInterval,
		BreakerThreshold: cfg.Composition.External.BreakerThreshold,
		BreakerCooldown:  cfg.Composition.External.BreakerCooldown,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("external composer: %w", err)
	}

	engine, err := policy.NewEngine(cfg.Policy.Rules)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	dispatcher, err := notify.NewDispatcher(cfg.Notifications)
	if err != nil {
		return fmt.Errorf("notifications: %w", err)
	}

	helper := schema.NewHelper()
	service := registry.NewService(registry.Options{
		Store:         store,
		Orchestrators: orchestrator.NewSet(external, cache),
		Validator:     validation.New(inspector.New(), helper, logger),
		Helper:        helper,
		Policy:        engine,
		Notifier:      dispatcher,
		Tracer:        tracer,
	})

	srv, err := server.New(server.Options{
		Config:   cfg,
		Registry: service,
		Notifier: dispatcher,
		Tracer:   tracer,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	watcher := startWatcher(cfg, configPath, service, dispatcher)
	if watcher != nil {
		defer watcher.Stop()
	}

	if err := srv.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("Shutting down gracefully...")

	if cfg.Shutdown.DrainDelay > 0 {
		time.Sleep(cfg.Shutdown.DrainDelay)
	}

	timeout := cfg.Shutdown.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := srv.Shutdown(timeout); err != nil {
		logging.Error("Server shutdown error", zap.Error(err))
	}

	// Stop accepting events, then let queued deliveries drain.
	dispatcher.Close()

	if err := tracer.Close(); err != nil {
		logging.Error("Tracer shutdown error", zap.Error(err))
	}

	logging.Info("Shutdown complete")
	return nil
}

// startWatcher installs config hot reload for the sections that support
// it: policy rules and notification channels. Anything else needs a
// restart and only logs a warning when it changes.
func startWatcher(cfg *config.Config, configPath string, service *registry.Service, dispatcher *notify.Dispatcher) *config.Watcher {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		logging.Warn("Config hot reload unavailable", zap.Error(err))
		return nil
	}

	watcher.OnChange(func(newCfg *config.Config) {
		if err := service.ApplyConfig(newCfg); err != nil {
			logging.Error("Policy reload failed, keeping previous rules", zap.Error(err))
		} else {
			logging.Info("Policy rules reloaded", zap.Int("rules", len(newCfg.Policy.Rules)))
		}

		if err := dispatcher.ApplyConfig(newCfg.Notifications); err != nil {
			logging.Error("Notification reload failed, keeping previous channels", zap.Error(err))
		} else {
			logging.Info("Notification channels reloaded",
				zap.Int("webhooks", len(newCfg.Notifications.Webhooks)))
		}

		if newCfg.Server.Address != cfg.Server.Address ||
			newCfg.Registry.Store != cfg.Registry.Store {
			logging.Warn("Server or store settings changed; restart required to apply")
		}
	})

	if err := watcher.Start(); err != nil {
		logging.Warn("Config hot reload unavailable", zap.Error(err))
		return nil
	}
	return watcher
}
