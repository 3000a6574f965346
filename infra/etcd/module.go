// Package etcd provides the etcd client backing the distributed registry.
package etcd

import (
	"context"
	"fmt"

	"github.com/webitel/im-message-plane/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/fx"
)

func NewClient(cfg *config.Config) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect %v: %w", cfg.Etcd.Endpoints, err)
	}
	return client, nil
}

var Module = fx.Module("etcd",
	fx.Provide(NewClient),
	fx.Invoke(func(lc fx.Lifecycle, client *clientv3.Client) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}),
)
