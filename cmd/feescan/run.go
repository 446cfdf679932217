package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"affiliateScope/internal/indexer"
	"affiliateScope/internal/model"
)

func runScan(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := runRequest(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.cfg.RequireChains(); err != nil {
		return err
	}

	a.logger.Info("scan start",
		zap.String("chain", req.Chain),
		zap.String("contract", req.Contract),
		zap.Int("chains", len(a.cfg.Chains)),
		zap.String("store", a.cfg.Store.Driver),
		zap.String("prices", a.cfg.Prices.Source),
	)

	summaries, err := a.orchestrator().Run(ctx, req)
	if err != nil {
		return err
	}
	return printSummaries(summaries)
}

func runRequest(cmd *cobra.Command) (indexer.RunRequest, error) {
	req := indexer.RunRequest{}
	req.Chain, _ = cmd.Flags().GetString("chain")
	req.Contract, _ = cmd.Flags().GetString("contract")

	fromSet := cmd.Flags().Changed("from")
	toSet := cmd.Flags().Changed("to")
	if !fromSet && !toSet {
		return req, nil
	}
	if !fromSet {
		return req, fmt.Errorf("--to requires --from")
	}
	from, _ := cmd.Flags().GetUint64("from")
	to := uint64(math.MaxUint64)
	if toSet {
		to, _ = cmd.Flags().GetUint64("to")
	}
	if to < from {
		return req, fmt.Errorf("--to must be >= --from")
	}
	req.Range = &model.BlockRange{From: from, To: to}
	return req, nil
}

// printSummaries writes one JSON summary per line and fails if any worker failed.
func printSummaries(summaries []model.RunSummary) error {
	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, summary := range summaries {
		if err := enc.Encode(summary); err != nil {
			return err
		}
		if summary.State == model.StateFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workers failed", failed, len(summaries))
	}
	return nil
}
