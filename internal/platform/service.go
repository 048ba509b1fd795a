package platform

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/stream-matchmaker/stream-matchmaker/internal/auth"
	"github.com/stream-matchmaker/stream-matchmaker/internal/placement"
	"github.com/stream-matchmaker/stream-matchmaker/internal/registry"
	"github.com/stream-matchmaker/stream-matchmaker/internal/store"
	"github.com/stream-matchmaker/stream-matchmaker/internal/supervisor"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/bus"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/config"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/httpserver"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/logging"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/observability"
	"github.com/stream-matchmaker/stream-matchmaker/pkg/storage"
)

// RunMatchmaker boots the matchmaker service: capacity registry, session
// store, placement engine and the lifecycle sweep, behind the shared HTTP
// server.
func RunMatchmaker() error {
	cfg, err := config.Load("matchmaker")
	if err != nil {
		return err
	}

	logger := logging.New(cfg.AppName, cfg.ServiceName, cfg.Env)
	logger.Info().Str("store_backend", cfg.StoreBackend).Msg("loading shared dependencies")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := observability.InitOTEL(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	sessions, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	natsConn, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer natsConn.Close()

	reg := registry.New(logger)
	provisioner := placement.NewNATSProvisioner(natsConn)
	engine := placement.NewEngine(reg, sessions, provisioner, natsConn, logger, placement.Policy{
		MaxDuration:      cfg.SessionMaxDuration,
		IdleTimeout:      cfg.IdleTimeout,
		ProvisionTimeout: cfg.ProvisionTimeout,
		ReserveAttempts:  cfg.ReserveAttempts,
	})
	sweeper := supervisor.New(sessions, reg, natsConn, logger, supervisor.Policy{
		MaxDuration:     cfg.SessionMaxDuration,
		IdleTimeout:     cfg.IdleTimeout,
		Grace:           cfg.TerminationGrace,
		HeartbeatMaxAge: cfg.HeartbeatMaxAge,
	})
	authenticator := auth.NewAuthenticator(cfg.AuthSecret, cfg.AuthTokenTTL)

	go sweeper.Run(ctx, cfg.SweepInterval)

	mux := httpserver.NewMux(cfg.ServiceName)
	placement.NewHandler(engine, sweeper, authenticator).Register(mux)
	registry.NewHandler(reg, natsConn).Register(mux)

	return httpserver.Run(ctx, logger, cfg.HTTPPort, mux, cfg.ShutdownTimeout)
}

func openStore(cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := storage.NewPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	case "redis":
		client := storage.NewRedis(cfg.RedisAddr)
		ttl := cfg.SessionMaxDuration + cfg.TerminationGrace
		return store.NewRedisStore(client, ttl), func() { _ = client.Close() }, nil
	case "memory":
		return store.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
