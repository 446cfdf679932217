package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"affiliateScope/internal/server"
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return server.New(a.cfg.HTTPAddr, a.store, nil, a.metrics, a.logger).Run(ctx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("schema ready", zap.String("driver", a.cfg.Store.Driver))
	return nil
}
