// Package app assembles the gateway's dependency graph and its process
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/worldlink/internal/admin"
	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/dispatch"
	"github.com/cory-johannsen/worldlink/internal/fanout"
	"github.com/cory-johannsen/worldlink/internal/frontend/ws"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/observability"
	"github.com/cory-johannsen/worldlink/internal/presence"
	"github.com/cory-johannsen/worldlink/internal/scripting"
	"github.com/cory-johannsen/worldlink/internal/secrets"
	"github.com/cory-johannsen/worldlink/internal/server"
	"github.com/cory-johannsen/worldlink/internal/session"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
	"github.com/cory-johannsen/worldlink/internal/world"
	"github.com/cory-johannsen/worldlink/internal/world/bridge"
)

// dbWatchInterval is how often the database health loop pings.
const dbWatchInterval = 30 * time.Second

// App is the fully wired gateway.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Pool     *postgres.Pool
	Logins   *postgres.LoginRepository
	Acceptor *ws.Acceptor
	Admin    *admin.Server
	Registry *interactive.Registry
	Fanout   *fanout.Broadcaster
	Gateway  *Gateway
}

// Gateway bundles the three components that reference each other: the
// dispatch service is the session manager's sink, the presence machine
// reads the manager, and the service drives both.
type Gateway struct {
	Service  *dispatch.Service
	Sessions *session.Manager
	Presence *presence.Machine
}

func provideLogger(cfg config.LoggingConfig, srv config.ServerConfig) (*zap.Logger, func(), error) {
	logger, err := observability.NewLogger(cfg, srv.Name)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func providePool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*postgres.Pool, func(), error) {
	start := time.Now()
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("connected to database", zap.Duration("elapsed", time.Since(start)))
	return pool, pool.Close, nil
}

func provideDB(pool *postgres.Pool) *pgxpool.Pool {
	return pool.DB()
}

func provideSealer(cfg config.SecretsConfig) (*secrets.Sealer, error) {
	key, err := cfg.KeyBytes()
	if err != nil {
		return nil, err
	}
	return secrets.NewSealer(key), nil
}

// provideScripts loads the auto-reply scripts when a directory is
// configured. An engine with nothing loaded never decides.
func provideScripts(cfg config.ScriptingConfig, logger *zap.Logger) (*scripting.Engine, func(), error) {
	engine := scripting.NewEngine(logger)
	if cfg.Dir != "" {
		if err := engine.Load(cfg.Dir, cfg.InstructionLimit); err != nil {
			engine.Close()
			return nil, nil, fmt.Errorf("loading auto-reply scripts: %w", err)
		}
		logger.Info("auto-reply scripts loaded", zap.String("dir", cfg.Dir))
	}
	return engine, engine.Close, nil
}

func provideAutoReply(engine *scripting.Engine) dispatch.AutoReplier {
	if !engine.Loaded() {
		return nil
	}
	return engine
}

func provideAcceptor(cfg config.WebConfig, logger *zap.Logger) *ws.Acceptor {
	return ws.NewAcceptor(cfg, nil, logger)
}

func provideWorldFactory(cfg config.WorldConfig, logger *zap.Logger) world.Factory {
	return bridge.NewFactory(cfg, logger)
}

// GatewayDeps are the non-cyclic collaborators of the gateway.
type GatewayDeps struct {
	Config    config.Config
	Logger    *zap.Logger
	Factory   world.Factory
	Tracker   *connection.Tracker
	Registry  *interactive.Registry
	Fanout    *fanout.Broadcaster
	Acceptor  *ws.Acceptor
	Accounts  *postgres.AccountRepository
	Chat      *postgres.ChatRepository
	Notices   *postgres.NoticeRepository
	Logins    *postgres.LoginRepository
	AutoReply dispatch.AutoReplier
	Health    *admin.Server
}

// provideGateway builds the dispatch service, the session manager, and the
// presence machine, then binds them to each other and to the acceptor.
func provideGateway(d GatewayDeps) *Gateway {
	cfg := d.Config
	svc := dispatch.NewService(dispatch.Deps{
		Tracker:   d.Tracker,
		Registry:  d.Registry,
		Fanout:    d.Fanout,
		Out:       d.Acceptor,
		Accounts:  d.Accounts,
		Chat:      d.Chat,
		Notices:   d.Notices,
		Logins:    d.Logins,
		AutoReply: d.AutoReply,
		Health:    d.Health,
		Logger:    d.Logger,
	}, dispatch.Options{
		DialogExpiry:     cfg.Sessions.DialogExpiry,
		PermissionExpiry: cfg.Sessions.PermissionExpiry,
		TeleportExpiry:   cfg.Sessions.TeleportExpiry,
		HistoryLimit:     cfg.Sessions.HistoryLimit,
		StoreTimeout:     cfg.Sessions.StoreTimeout,
	})
	mgr := session.NewManager(d.Factory, svc, d.Logger, session.Options{
		ConnectTimeout: cfg.Sessions.ConnectTimeout,
		MailboxSize:    cfg.Sessions.MailboxSize,
	})
	machine := presence.NewMachine(presence.Policy{
		AwayOnBrowserClose:  cfg.Presence.AwayOnBrowserClose,
		ReturnOnBrowserOpen: cfg.Presence.ReturnOnBrowserOpen,
	}, mgr, d.Tracker)
	svc.Presence = machine
	svc.Attach(mgr)
	d.Acceptor.SetHandler(svc)
	return &Gateway{Service: svc, Sessions: mgr, Presence: machine}
}

// Lifecycle returns the process services in start order. They stop in
// reverse: browsers first, then sessions, then the event pipeline.
func (a *App) Lifecycle() *server.Lifecycle {
	lc := server.NewLifecycle(a.Logger, a.Config.Server.ShutdownTimeout)

	lc.Add("postgres-health", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			a.Pool.Watch(ctx, dbWatchInterval, func(healthy bool, err error) {
				if healthy {
					a.Logger.Info("database reachable")
					return
				}
				a.Logger.Warn("database health check failed", zap.Error(err))
			})
			return nil
		},
	})
	lc.Add("dispatch", &server.FuncService{
		StopFn: a.Gateway.Service.Close,
	})
	lc.Add("fanout", &server.FuncService{
		StopFn: a.Fanout.Close,
	})
	lc.Add("request-sweeper", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			a.Registry.Run(ctx, a.Config.Sessions.SweepInterval)
			return nil
		},
	})
	lc.Add("sessions", &server.FuncService{
		StopFn: a.Gateway.Sessions.Shutdown,
	})
	lc.Add("admin", a.Admin)
	lc.Add("websocket", a.Acceptor)
	return lc
}

// CloseDanglingLogins stamps login rows left open by a previous process.
func (a *App) CloseDanglingLogins(ctx context.Context) error {
	n, err := a.Logins.CloseDangling(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("closing dangling logins: %w", err)
	}
	if n > 0 {
		a.Logger.Info("closed dangling login sessions", zap.Int64("count", n))
	}
	return nil
}
