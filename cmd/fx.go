package cmd

import (
	"github.com/webitel/im-message-plane/config"
	etcdinfra "github.com/webitel/im-message-plane/infra/etcd"
	pginfra "github.com/webitel/im-message-plane/infra/postgres"
	pubsubinfra "github.com/webitel/im-message-plane/infra/pubsub"
	redisinfra "github.com/webitel/im-message-plane/infra/redis"
	grpcsrv "github.com/webitel/im-message-plane/infra/server/grpc"
	httpsrv "github.com/webitel/im-message-plane/infra/server/http"
	buspubsub "github.com/webitel/im-message-plane/internal/adapter/pubsub"
	"github.com/webitel/im-message-plane/internal/domain/hub"
	"github.com/webitel/im-message-plane/internal/fanout"
	"github.com/webitel/im-message-plane/internal/gateway"
	amqphandler "github.com/webitel/im-message-plane/internal/handler/amqp"
	"github.com/webitel/im-message-plane/internal/registry"
	"github.com/webitel/im-message-plane/internal/router"
	"github.com/webitel/im-message-plane/internal/service"
	"github.com/webitel/im-message-plane/internal/store"
	"github.com/webitel/im-message-plane/internal/worker"
	"go.uber.org/fx"
)

func baseOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideTracerProvider,
		),
	)
}

// NewGatewayApp assembles the session-plane process: client transports, the
// routing core and the fast-path bus listener.
func NewGatewayApp(cfg *config.Config) *fx.App {
	return fx.New(
		baseOptions(cfg),
		redisinfra.Module,
		etcdinfra.Module,
		pginfra.Module,
		pubsubinfra.Module,
		buspubsub.Module,
		registry.Module,
		store.Module,
		router.Module,
		hub.Module,
		service.Module,
		gateway.Module,
		amqphandler.Module,
		httpsrv.Module,
		grpcsrv.Module,
	)
}

// NewOfflineWorkerApp assembles the persistence worker process.
func NewOfflineWorkerApp(cfg *config.Config) *fx.App {
	return fx.New(
		baseOptions(cfg),
		redisinfra.Module,
		pginfra.Module,
		pubsubinfra.Module,
		buspubsub.Module,
		store.Module,
		worker.Module,
		grpcsrv.Module,
	)
}

// NewFanoutApp assembles the group fan-out worker process.
func NewFanoutApp(cfg *config.Config) *fx.App {
	return fx.New(
		baseOptions(cfg),
		redisinfra.Module,
		etcdinfra.Module,
		pginfra.Module,
		pubsubinfra.Module,
		buspubsub.Module,
		registry.Module,
		store.Module,
		router.Module,
		fanout.Module,
		grpcsrv.Module,
	)
}
