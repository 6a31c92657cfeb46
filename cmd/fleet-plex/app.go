package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"fleet-plex/internal/command"
	"fleet-plex/internal/config"
	"fleet-plex/internal/credential"
	"fleet-plex/internal/discovery"
	"fleet-plex/internal/events"
	"fleet-plex/internal/executor"
	"fleet-plex/internal/inventory"
	"fleet-plex/internal/logging"
	"fleet-plex/internal/metrics"
	"fleet-plex/internal/pwsh"
	"fleet-plex/internal/ssh"
	"fleet-plex/internal/store"
)

// app holds the wired services one process runs with.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     store.Store
	redis     *redis.Client
	recorder  *metrics.Recorder
	commands  *command.Service
	discovery *discovery.Service
}

// appOptions lets tests swap the transports and the adapter set.
type appOptions struct {
	unix     executor.Transport
	windows  executor.Transport
	adapters discovery.Adapters
	store    store.Store
}

// newApp opens the configured store, seeds it from the inventory when one is
// set and wires the dispatcher, command and discovery services on top.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, recorder: metrics.NewRecorder()}

	s := opts.store
	if s == nil {
		var err error
		s, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	a.store = s

	if cfg.Inventory != "" {
		inv, err := inventory.LoadFile(cfg.Inventory)
		if err != nil {
			logger.LogConfigError("inventory: "+cfg.Inventory, err)
			a.Close()
			return nil, &SetupError{Message: fmt.Sprintf("failed to load inventory: %v", err)}
		}
		if err := inv.Seed(ctx, s); err != nil {
			a.Close()
			return nil, &SetupError{Message: fmt.Sprintf("failed to seed inventory: %v", err)}
		}
		logger.LogConfigLoad("inventory: " + cfg.Inventory)
	}

	var locker discovery.Locker
	if cfg.Redis.Addr != "" {
		client, err := store.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, &SetupError{Message: fmt.Sprintf("failed to connect to redis at %s: %v", cfg.Redis.Addr, err)}
		}
		a.redis = client
		locker = store.NewRedisLocker(client, 0)
	}

	unix := opts.unix
	if unix == nil {
		unix = ssh.NewTransport(ssh.Config{
			ConnectTimeout:        cfg.SSH.ConnectTimeout,
			KnownHostsFile:        cfg.SSH.KnownHosts,
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		}, logger)
	}
	windows := opts.windows
	if windows == nil {
		windows = pwsh.NewTransport(pwsh.Config{Shell: cfg.Windows.Shell}, nil, logger)
	}

	dispatcher := executor.NewDispatcher(executor.ExecutorConfig{
		BatchSize:  cfg.BatchSize,
		CmdTimeout: cfg.CmdTimeout,
		StartRate:  cfg.DispatchRate,
	}, unix, windows, credential.NewStoreResolver(s), logger)

	a.commands = command.NewService(s, dispatcher, logger)
	a.commands.AddListener(a.recorder)
	if a.redis != nil {
		a.commands.AddListener(events.NewRedisPublisher(a.redis, logger))
	}

	a.discovery = discovery.NewService(s, opts.adapters, locker, logger)
	a.discovery.SetObserver(a.recorder)

	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to open postgres store: %v", err)}
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, &SetupError{Message: fmt.Sprintf("failed to migrate postgres store: %v", err)}
		}
		return pg, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// Close releases the store and the Redis client.
func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func newLogger() *logging.Logger {
	return logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)
}
