// Package main provides the FinOps analytics CLI and API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/config"

	// Metric store backends register themselves with the store registry.
	_ "github.com/lvonguyen/finops-analytics/internal/providers/aws"
	_ "github.com/lvonguyen/finops-analytics/internal/providers/azure"
	_ "github.com/lvonguyen/finops-analytics/internal/store/influx"
	_ "github.com/lvonguyen/finops-analytics/internal/store/memory"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
	cfg    *config.Config

	rootCmd = &cobra.Command{
		Use:               "analytics",
		Short:             "FinOps analytics engine: aggregation, forecasts, anomalies and reports",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(*cobra.Command, []string) { _ = logger.Sync() },
	}
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		if logger != nil {
			logger.Info("Received shutdown signal")
		}
		cancel()
	}()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	rootCmd.AddCommand(serveCmd(), aggregateCmd(), forecastCmd(), anomalyCmd(), budgetCmd(), reportCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger != nil {
			logger.Error("Execution failed", zap.Error(err))
		}
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cfg, err = config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		logger.Warn("Config file not found, using defaults", zap.String("config", configPath))
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting FinOps Analytics",
		zap.String("command", cmd.Name()),
		zap.String("config", configPath),
		zap.String("store", cfg.Store.Backend),
	)
	return nil
}
