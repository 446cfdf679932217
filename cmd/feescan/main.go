package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "feescan",
		Short:        "Affiliate fee detection engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("driver", "", "store driver (postgres, sqlite)")
	root.PersistentFlags().String("dsn", "", "store DSN or sqlite path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Scan every configured contract once, up to the current head",
		RunE:  runScan,
	}
	addScanFlags(runCmd)
	runCmd.Flags().String("chain", "", "only scan this chain id")
	runCmd.Flags().String("contract", "", "only scan this contract (address or name)")
	runCmd.Flags().Uint64("from", 0, "rescan from this block (inclusive)")
	runCmd.Flags().Uint64("to", 0, "rescan up to this block (inclusive)")
	root.AddCommand(runCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scans on a cron schedule",
		RunE:  runSchedule,
	}
	addScanFlags(scheduleCmd)
	scheduleCmd.Flags().String("cron", "@every 10m", "cron spec (robfig/cron syntax)")
	scheduleCmd.Flags().Bool("serve", false, "also serve the query API")
	scheduleCmd.Flags().String("http-addr", ":8080", "query API listen address")
	root.AddCommand(scheduleCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fee query API and metrics",
		RunE:  runServe,
	}
	serveCmd.Flags().String("http-addr", ":8080", "query API listen address")
	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the store schema",
		RunE:  runMigrate,
	}
	root.AddCommand(migrateCmd)
	root.AddCommand(newCursorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addScanFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-workers", 4, "concurrent (chain, contract) workers")
	cmd.Flags().Duration("rpc-timeout", 0, "per-call RPC timeout")
	cmd.Flags().String("prices", "", "price source (none, static, llama)")
	cmd.Flags().String("llama-url", "", "DefiLlama coins API base URL")
	cmd.Flags().String("malformed-out", "", "JSONL file for logs that fail to decode")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
