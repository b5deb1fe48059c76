package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"locksync/internal/bridge"
	"locksync/internal/config"
	"locksync/internal/dispatch"
	"locksync/internal/ha"
	"locksync/internal/ledger"
	"locksync/internal/notify"
	"locksync/internal/sources"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	haURL := os.Getenv("HA_URL")
	haToken := os.Getenv("HA_TOKEN")

	if haURL == "" || haToken == "" {
		logger.Fatal("HA_URL and HA_TOKEN environment variables must be set")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting Alarmo ZHA Lock Sync", zap.String("url", haURL))

	// Connect to Home Assistant
	client := ha.NewClient(haURL, haToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	// One bridge instance drives exactly one lock. Without a configured
	// entity, adopt the single lock Home Assistant knows about.
	if cfg.LockEntity == "" {
		cfg.LockEntity = discoverLock(client, logger)
	}
	logger.Info("Syncing codes to lock", zap.String("lock_entity", cfg.LockEntity))

	store := ledger.NewFileStore(cfg.StoragePath)
	led, err := ledger.New(store, cfg.MaxSlots, logger)
	if err != nil {
		logger.Fatal("Failed to open slot ledger", zap.Error(err))
	}

	notifier := notify.NewHANotifier(client, logger)

	dispatcher := dispatch.New(client, dispatch.Options{
		LockEntity:           cfg.LockEntity,
		SettleDelay:          cfg.SettleDelay(),
		NotifyOnClearFailure: cfg.NotifyOnClearFailure,
	}, notifier, logger)

	registry := sources.NewRegistry()
	registry.Register(sources.Info{
		Name:        "service_call",
		Description: "Intercepts alarmo enable_user/disable_user service calls",
		Order:       10,
		Factory: func(deps sources.Deps) (sources.Source, error) {
			return sources.NewServiceCallSource(deps.Client, deps.Logger), nil
		},
	})
	registry.Register(sources.Info{
		Name:        "plain_pin",
		Description: "Receives plain PINs captured by the front-end card",
		Order:       20,
		Factory: func(deps sources.Deps) (sources.Source, error) {
			return sources.NewPlainPinSource(deps.Client, deps.Logger), nil
		},
	})
	registry.Register(sources.Info{
		Name:        "direct_capture",
		Description: "Observes alarmo's own user update events",
		Order:       30,
		Factory: func(deps sources.Deps) (sources.Source, error) {
			return sources.NewDirectCaptureSource(deps.Client, deps.Logger), nil
		},
	})

	srcs, err := registry.CreateAll(sources.Deps{Client: client, Logger: logger})
	if err != nil {
		logger.Fatal("Failed to create change sources", zap.Error(err))
	}

	coordinator := bridge.New(led, dispatcher, notifier, srcs, logger)
	if err := coordinator.Start(); err != nil {
		logger.Fatal("Failed to start sync coordinator", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Bridge running. Press Ctrl+C to exit.")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	coordinator.Stop()
}

// discoverLock lists the lock entities Home Assistant reports and adopts
// the only one. Zero or several candidates need an explicit lock_entity in
// the config, so both are fatal.
func discoverLock(client ha.HAClient, logger *zap.Logger) string {
	states, err := client.GetAllStates()
	if err != nil {
		logger.Fatal("Failed to list entities for lock discovery", zap.Error(err))
	}

	var locks []string
	for _, state := range states {
		if strings.HasPrefix(state.EntityID, "lock.") {
			locks = append(locks, state.EntityID)
		}
	}
	sort.Strings(locks)

	switch len(locks) {
	case 0:
		logger.Fatal("No lock entities found; configure lock_entity once a lock is available")
	case 1:
		logger.Info("Discovered lock entity", zap.String("lock_entity", locks[0]))
		return locks[0]
	default:
		logger.Fatal("Multiple lock entities found, set lock_entity in the config",
			zap.Strings("candidates", locks))
	}
	return ""
}
