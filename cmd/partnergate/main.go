package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/accesscode"
	"github.com/smallbiznis/partnergate/internal/alerting"
	"github.com/smallbiznis/partnergate/internal/auth/session"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	"github.com/smallbiznis/partnergate/internal/gateway"
	"github.com/smallbiznis/partnergate/internal/identitylink"
	"github.com/smallbiznis/partnergate/internal/integrationapp"
	"github.com/smallbiznis/partnergate/internal/membership"
	"github.com/smallbiznis/partnergate/internal/migration"
	"github.com/smallbiznis/partnergate/internal/observability"
	"github.com/smallbiznis/partnergate/internal/presence"
	"github.com/smallbiznis/partnergate/internal/providers"
	"github.com/smallbiznis/partnergate/internal/ratelimit"
	"github.com/smallbiznis/partnergate/internal/scheduler"
	"github.com/smallbiznis/partnergate/internal/server"
	"github.com/smallbiznis/partnergate/internal/webhook"
	"github.com/smallbiznis/partnergate/internal/widgettoken"
	"github.com/smallbiznis/partnergate/pkg/db"
	"github.com/urfave/cli/v3"
	"go.uber.org/fx"
)

// version is set by the build.
var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "partnergate",
		Usage:   "partner integration gateway",
		Version: version,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Sources: cli.EnvVars("NODE_ID"),
				Name:    "node-id",
				Value:   1,
				Usage:   "snowflake node id, unique per running process",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the http gateway",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Sources: cli.EnvVars("SWEEP_IN_PROCESS"),
						Name:    "sweep",
						Usage:   "also run the webhook retry sweep in this process",
					},
				},
				Action: func(_ context.Context, c *cli.Command) error {
					sweep := c.Bool("sweep")
					fx.New(
						coreModules(int64(c.Int("node-id"))),
						domainModules(),
						fx.Decorate(func(cfg config.Config) config.Config {
							if sweep {
								cfg.SweepInProcess = true
							}
							return cfg
						}),
						migration.Module,
						server.Module,
						scheduler.Module,
					).Run()
					return nil
				},
			},
			{
				Name:  "worker",
				Usage: "run the webhook retry sweep without serving http",
				Action: func(_ context.Context, c *cli.Command) error {
					fx.New(
						coreModules(int64(c.Int("node-id"))),
						domainModules(),
						fx.Decorate(func(cfg config.Config) config.Config {
							cfg.SweepInProcess = true
							return cfg
						}),
						scheduler.Module,
					).Run()
					return nil
				},
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					app := fx.New(
						coreModules(int64(c.Int("node-id"))),
						migration.Module,
					)
					startCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
					defer cancel()
					if err := app.Start(startCtx); err != nil {
						return err
					}
					stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer stopCancel()
					return app.Stop(stopCtx)
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func coreModules(nodeID int64) fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(nodeID)
		}),
		db.Module,
		clock.Module,
	)
}

func domainModules() fx.Option {
	return fx.Options(
		ratelimit.Module,
		providers.Module,
		alerting.Module,
		integrationapp.Module,
		accesscode.Module,
		identitylink.Module,
		presence.Module,
		membership.Module,
		webhook.Module,
		widgettoken.Module,
		session.Module,
		gateway.Module,
	)
}
