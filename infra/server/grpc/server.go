// Package grpc runs the gRPC listener. The plane's client traffic is
// WebSocket; this surface carries the health protocol the orchestrator and
// load balancers probe, behind the standard interceptor chain.
package grpc

import (
	"context"
	"log/slog"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/webitel/im-message-plane/config"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func NewServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	logFn := logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		logger.Log(ctx, slog.Level(lvl), msg, fields...)
	})

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(),
			logging.UnaryServerInterceptor(logFn),
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(),
			logging.StreamServerInterceptor(logFn),
		),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

var Module = fx.Module("grpc-server",
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, srv *grpc.Server, hs *health.Server, cfg *config.Config, logger *slog.Logger, shutdowner fx.Shutdowner) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				lis, err := net.Listen("tcp", cfg.GRPC.Addr)
				if err != nil {
					return err
				}
				hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
				go func() {
					logger.Info("grpc server listening", "addr", cfg.GRPC.Addr)
					if err := srv.Serve(lis); err != nil {
						logger.Error("grpc server failed", "err", err)
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
				srv.GracefulStop()
				return nil
			},
		})
	}),
)
