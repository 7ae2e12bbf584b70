package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/collabd/internal/ai"
	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/internal/identity"
	"github.com/fyrsmithlabs/collabd/internal/kvstore"
	"github.com/fyrsmithlabs/collabd/internal/logging"
	"github.com/fyrsmithlabs/collabd/internal/metrics"
	"github.com/fyrsmithlabs/collabd/internal/presence"
	"github.com/fyrsmithlabs/collabd/internal/rooms"
	"github.com/fyrsmithlabs/collabd/internal/router"
	"github.com/fyrsmithlabs/collabd/internal/secrets"
	"github.com/fyrsmithlabs/collabd/internal/session"
	"github.com/fyrsmithlabs/collabd/internal/telemetry"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
	"github.com/fyrsmithlabs/collabd/pkg/server"
)

const closeTimeout = 5 * time.Second

// backends holds the external connections shared by every command.
type backends struct {
	nc    *nats.Conn
	kv    *kvstore.Store
	users *identity.MongoStore
}

// Close releases every connection that was opened.
func (b *backends) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if b.users != nil {
		_ = b.users.Close(ctx)
	}
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

// connectKV dials NATS and binds the revocation and principal buckets.
func connectKV(cfg *config.Config, b *backends) error {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("collabd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
	}
	b.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := kvstore.New(js, kvstore.Config{
		RevocationBucket: cfg.NATS.RevocationBucket,
		RevocationTTL:    cfg.Auth.TokenTTL,
		PrincipalBucket:  cfg.NATS.PrincipalBucket,
		PrincipalTTL:     cfg.Auth.PrincipalCacheTTL,
	})
	if err != nil {
		return fmt.Errorf("binding KV buckets: %w", err)
	}
	b.kv = kv
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.OTEL = cfg.Telemetry.Enabled
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.WithoutCancel(ctx)) }()
	if degraded, derr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without some exporters", zap.Error(derr))
	}

	m := metrics.New()

	b := &backends{}
	defer b.Close()
	if err := connectKV(cfg, b); err != nil {
		return err
	}
	users, err := identity.Connect(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connecting to identity store: %w", err)
	}
	b.users = users

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret.Value(), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(tokens, b.kv, users,
		auth.WithCache(b.kv),
		auth.WithLogger(logger),
	)

	scrubber, err := secrets.New(secrets.Config{Enabled: cfg.AI.ScrubPrompts})
	if err != nil {
		return fmt.Errorf("creating prompt scrubber: %w", err)
	}
	if !cfg.AI.APIKey.IsSet() && cfg.AI.Provider != config.ProviderOpenAICompatible {
		logger.Warn(ctx, "no AI API key configured, @ai messages will be answered with an error",
			zap.String("provider", cfg.AI.Provider))
	}
	bridge := ai.NewBridge(cfg.AI,
		ai.WithScrubber(scrubber),
		ai.WithTracer(tel.Tracer("collabd/ai")),
		ai.WithMetrics(m),
		ai.WithLogger(logger),
	)

	online := presence.New(logger)
	roomMgr := rooms.NewManager(logger, m)
	rt := router.New(roomMgr, bridge,
		router.WithTracer(tel.Tracer("collabd/router")),
		router.WithLogger(logger),
	)
	hub := session.NewHub(session.ConfigFrom(cfg), online, roomMgr, rt,
		session.WithMetrics(m),
		session.WithLogger(logger),
	)

	srv := server.NewServer(cfg.Server, server.Deps{
		Auth:      authenticator,
		Identity:  users,
		Hub:       hub,
		Presence:  online,
		Rooms:     roomMgr,
		Metrics:   m,
		Telemetry: tel,
		Logger:    logger,
		Version:   version,
	})

	logger.Info(ctx, "collabd starting",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("ai_model", cfg.AI.Model),
	)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info(context.WithoutCancel(ctx), "collabd stopped")
	return nil
}
