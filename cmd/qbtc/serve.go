package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"qbtc-market/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveNoHTTP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic scanner and the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "scan and alert without starting the HTTP server")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck
	cfg.Server.Enabled = !serveNoHTTP

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return err
	}
	log.Info("app initialized",
		zap.Bool("http", cfg.Server.Enabled),
		zap.String("address", cfg.Server.Address),
		zap.String("cache", cfg.Cache.Backend),
		zap.Bool("stream", cfg.Stream.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
