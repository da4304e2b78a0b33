//go:build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"github.com/cory-johannsen/worldlink/internal/admin"
	"github.com/cory-johannsen/worldlink/internal/config"
	"github.com/cory-johannsen/worldlink/internal/connection"
	"github.com/cory-johannsen/worldlink/internal/fanout"
	"github.com/cory-johannsen/worldlink/internal/frontend/ws"
	"github.com/cory-johannsen/worldlink/internal/interactive"
	"github.com/cory-johannsen/worldlink/internal/secrets"
	"github.com/cory-johannsen/worldlink/internal/storage/postgres"
)

var storageSet = wire.NewSet(
	providePool,
	provideDB,
	provideSealer,
	wire.Bind(new(postgres.Sealer), new(*secrets.Sealer)),
	postgres.NewAccountRepository,
	postgres.NewChatRepository,
	postgres.NewNoticeRepository,
	postgres.NewLoginRepository,
)

var transportSet = wire.NewSet(
	connection.NewTracker,
	provideAcceptor,
	wire.Bind(new(fanout.Subscribers), new(*connection.Tracker)),
	wire.Bind(new(fanout.Deliverer), new(*ws.Acceptor)),
	fanout.NewBroadcaster,
	admin.NewServer,
)

// InitializeApp builds the gateway from cfg. The returned cleanup closes
// the database pool, the script engine, and flushes the logger.
func InitializeApp(ctx context.Context, cfg config.Config) (*App, func(), error) {
	wire.Build(
		wire.FieldsOf(new(config.Config), "Server", "Logging", "Database", "Web", "Admin", "World", "Secrets", "Scripting"),
		provideLogger,
		storageSet,
		provideScripts,
		provideAutoReply,
		interactive.NewRegistry,
		transportSet,
		provideWorldFactory,
		wire.Struct(new(GatewayDeps), "*"),
		provideGateway,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}
