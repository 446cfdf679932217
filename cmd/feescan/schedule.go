package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"affiliateScope/internal/indexer"
	"affiliateScope/internal/server"
)

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.RequireChains(); err != nil {
		return err
	}

	spec, _ := cmd.Flags().GetString("cron")
	serve, _ := cmd.Flags().GetBool("serve")

	orch := a.orchestrator()
	logger := cronLogger{logger: a.logger.Sugar()}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err = c.AddFunc(spec, func() {
		summaries, err := orch.Run(ctx, indexer.RunRequest{})
		if err != nil {
			a.logger.Error("scheduled run failed", zap.Error(err))
			return
		}
		if err := printSummaries(summaries); err != nil {
			a.logger.Warn("scheduled run finished with failures", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	c.Start()
	a.logger.Info("scheduler started", zap.String("cron", spec), zap.Bool("serve", serve))

	var serveErr error
	if serve {
		serveErr = server.New(a.cfg.HTTPAddr, a.store, orch, a.metrics, a.logger).Run(ctx)
	} else {
		<-ctx.Done()
	}

	<-c.Stop().Done()
	a.logger.Info("scheduler stopped")
	return serveErr
}
