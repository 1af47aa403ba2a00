package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"aperture/internal/aperture"
	"aperture/internal/whip"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "aperture",
		Usage: "HTTP gateway for virtual world texture and mesh assets",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the asset gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "path to aperture.yaml",
						Value:   "/etc/aperture.yaml",
						Sources: cli.EnvVars("APERTURE_CONFIG"),
					},
				},
				Action: serve,
			},
			{
				Name:      "fetch",
				Usage:     "fetch one asset over WHIP and write its payload to stdout",
				ArgsUsage: "<asset uuid>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "whip",
						Usage:    "asset server, whip://password@host:port",
						Required: true,
						Sources:  cli.EnvVars("APERTURE_WHIP_URL"),
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this long",
						Value: 30 * time.Second,
					},
				},
				Action: fetch,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "aperture:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := aperture.LoadConfig(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closer, err := aperture.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	svc, err := aperture.NewService(cfg, aperture.WithLogger(log))
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
	}
	go func() {
		log.Info("aperture listening", slog.String("addr", addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.Any("err", err))
			stop()
		}
	}()

	if cfg.Server.DiagPort > 0 {
		diag := svc.DiagApp()
		diagAddr := fmt.Sprintf(":%d", cfg.Server.DiagPort)
		go func() {
			log.Info("diagnostics listening", slog.String("addr", diagAddr))
			if err := diag.Listen(diagAddr); err != nil {
				log.Error("diagnostics server error", slog.Any("err", err))
			}
		}()
		defer func() { _ = diag.Shutdown() }()
	}

	<-ctx.Done()
	log.Info("shutting down")
	svc.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func fetch(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return cli.Exit("fetch takes exactly one asset uuid", 2)
	}
	u, err := uuid.Parse(cmd.Args().First())
	if err != nil {
		return fmt.Errorf("asset id: %w", err)
	}
	id := strings.ReplaceAll(u.String(), "-", "")

	uri, err := whip.ParseURI(cmd.String("whip"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client := whip.New(uri, whip.WithLogger(log))
	client.Connect()
	defer client.Shutdown()

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !client.IsConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect %s: %w", uri, ctx.Err())
		case <-tick.C:
		}
	}

	a, err := client.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}
	ex, err := a.CopyRange(nil)
	if err != nil {
		return fmt.Errorf("extract %s: %w", id, err)
	}
	log.Info("asset fetched", slog.String("asset", id), slog.String("type", a.Type().String()), slog.Int("bytes", len(ex.Data)))
	_, err = os.Stdout.Write(ex.Data)
	return err
}
