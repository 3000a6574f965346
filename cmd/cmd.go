package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/webitel/im-message-plane/config"
	"github.com/webitel/im-message-plane/infra/postgres"
	"go.uber.org/fx"
)

const (
	ServiceName      = "im-message-plane"
	ServiceNamespace = "webitel"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "IM message plane: gateway, routing and offline delivery",
		Version: version,
		Commands: []*cli.Command{
			gatewayCmd(),
			offlineWorkerCmd(),
			fanoutWorkerCmd(),
			migrateCmd(),
			statsCmd(),
		},
	}

	return app.Run(os.Args)
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "config_file",
		Usage: "Path to the configuration file",
	}
}

func gatewayCmd() *cli.Command {
	return &cli.Command{
		Name:    "gateway",
		Aliases: []string{"g"},
		Usage:   "Run the gateway node (WebSocket, long-poll, routing API)",
		Flags:   []cli.Flag{configFlag()},
		Action:  runApp(NewGatewayApp),
	}
}

func offlineWorkerCmd() *cli.Command {
	return &cli.Command{
		Name:   "offline-worker",
		Usage:  "Run the offline persistence worker",
		Flags:  []cli.Flag{configFlag()},
		Action: runApp(NewOfflineWorkerApp),
	}
}

func fanoutWorkerCmd() *cli.Command {
	return &cli.Command{
		Name:   "fanout-worker",
		Usage:  "Run the group fan-out worker",
		Flags:  []cli.Flag{configFlag()},
		Action: runApp(NewFanoutApp),
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit",
		Flags: []cli.Flag{configFlag()},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"), c.Args().Slice())
			if err != nil {
				return err
			}
			if err := postgres.Migrate(cfg.Postgres.DSN); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

// runApp wraps the shared fx start / wait-for-signal / stop dance.
func runApp(build func(*config.Config) *fx.App) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.LoadConfig(c.String("config_file"), c.Args().Slice())
		if err != nil {
			return err
		}
		app := build(cfg)

		if err := app.Start(c.Context); err != nil {
			return err
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-app.Done():
		}

		slog.Info("Shutting down...")
		return app.Stop(context.Background())
	}
}
