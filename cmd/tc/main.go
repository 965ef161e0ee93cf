package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/opentrx/lock-coordinator/pkg/tc/config"
	"github.com/opentrx/lock-coordinator/pkg/tc/server"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

func main() {
	app := &cli.App{
		Name:  "tc",
		Usage: "pessimistic lock coordinator",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "start the lock coordinator",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "load configuration from `FILE`",
					},
					&cli.Int64Flag{
						Name:    "node",
						Aliases: []string{"n"},
						Value:   -1,
						Usage:   "worker node id (0 ~ 1023), negative derives it from the local ip",
					},
				},
				Action: func(c *cli.Context) error {
					conf := config.GetDefaultConfig()
					if path := c.String("config"); path != "" {
						parsed, err := config.Parse(path)
						if err != nil {
							return err
						}
						conf = parsed
					}
					if c.IsSet("node") {
						conf.ServerNode = c.Int64("node")
					}
					return start(conf)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(conf *config.Configuration) error {
	log.Init(conf.Log.LogPath, log.ParseLevel(conf.Log.LogLevel))
	defer func() {
		_ = log.Sync()
	}()

	tc, err := server.NewTransactionCoordinator(conf)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	tc.Start(ctx)

	if conf.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: conf.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server: %v", err)
			}
		}()
		defer metricsServer.Close()
		log.Infof("serving metrics on %s/metrics", conf.Metrics.Listen)
	}

	<-ctx.Done()
	log.Info("shutting down lock coordinator")
	return tc.Stop()
}
