package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"votebridge/chain"
	"votebridge/config"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbosity string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "votebridge",
		Short: "Vote submission and cross-ledger reconciliation engine",
		Long: `Votebridge casts votes on the election program while keeping the
ledger-of-record's has-voted flag consistent with the chain. Failed
submissions are compensated, and undeliverable resets are retried in
the background.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().StringVar(&verbosity, "verbosity", "info", "log level ('debug', 'info', 'warn', 'error')")
	rootCmd.PersistentFlags().Bool("dev", false, "use the in-process token service and file registry")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the compensation worker",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "Redeliver pending compensating resets once and exit",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(verbosity)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	var (
		ctx    = cmd.Context()
		logger = newLogger()
	)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, chain.EthDialer)
	if err != nil {
		return err
	}
	defer a.close()

	if n := a.pending.Len(); n > 0 {
		logger.Warn("pending compensating resets found at startup", "count", n)
	}
	a.queue.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(":"+cfg.Server.Port, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	a.queue.Stop()
	logger.Info("shutdown complete", "pending_resets", a.pending.Len())
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	var (
		ctx    = cmd.Context()
		logger = newLogger()
	)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, chain.EthDialer)
	if err != nil {
		return err
	}
	defer a.close()

	res := a.queue.DrainOnce(ctx)
	fmt.Printf("delivered %d pending resets, %d remaining\n", res.Delivered, res.Remaining)
	if res.Remaining > 0 {
		return fmt.Errorf("%d resets could not be delivered", res.Remaining)
	}
	return nil
}
