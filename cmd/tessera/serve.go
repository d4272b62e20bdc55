package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/tessera/internal/api"
	"github.com/samcharles93/tessera/pkg/gpu"
)

func serveCmd() *cli.Command {
	var readTimeout time.Duration

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the profiler REST API",
		Flags: append(append(deviceFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       settings.Address,
				Destination: &settings.Address,
			},
			&cli.IntFlag{
				Name:        "warmup",
				Usage:       "default untimed launches per instance",
				Value:       settings.Warmup,
				Destination: &settings.Warmup,
			},
			&cli.IntFlag{
				Name:        "repeat",
				Usage:       "default timed launches per instance",
				Value:       settings.Repeat,
				Destination: &settings.Repeat,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, log, err := setup(ctx, cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tab, err := loadTable()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			device, err := gpu.Normalize(settings.Device)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			server := api.NewServer(api.Options{
				Table:   tab,
				Devices: api.NewDevicePool(gpu.WithWorkers(settings.Workers), gpu.WithLogger(log)),
				Device:  device,
				Stream:  gpu.StreamConfig{WarmupIters: settings.Warmup, RepeatIters: settings.Repeat},
				Log:     log,
			})
			defer server.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", settings.Address, "device", device, "instances", len(tab.Names()))
			sc := echo.StartConfig{
				Address: settings.Address,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
