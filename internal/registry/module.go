package registry

import (
	"log/slog"

	"github.com/webitel/im-message-plane/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(client *clientv3.Client, logger *slog.Logger, cfg *config.Config) *EtcdRegistry {
			return NewEtcdRegistry(client, logger, cfg.Registry.LeaseTTL, cfg.Registry.MaxDevicesPerUser)
		},
		func(r *EtcdRegistry) Registrar { return r },
	),
)
