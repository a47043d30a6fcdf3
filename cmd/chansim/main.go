package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnchan/build"
	"github.com/lightningnetwork/lnchan/lncfg"
)

func main() {
	// Load the configuration, and parse any command line options.
	loadedConfig, err := LoadConfig()
	if err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || flagsErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	if err := Main(ctx, loadedConfig); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// Main sets up logging and runs a single simulation with the given config.
func Main(ctx context.Context, cfg *Config) error {
	logWriter := build.NewRotatingLogWriter()
	if !cfg.LogConfig.File.Disable {
		err := logWriter.InitLogRotator(
			cfg.LogConfig.File,
			filepath.Join(cfg.LogDir, lncfg.DefaultLogFilename),
		)
		if err != nil {
			return fmt.Errorf("unable to initialize log rotator: %w",
				err)
		}
		defer logWriter.Close()
	}

	logMgr := build.NewSubLoggerManager(
		build.NewDefaultLogHandler(cfg.LogConfig, logWriter),
	)
	SetupLoggers(logMgr)
	if err := build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr); err != nil {
		return err
	}

	simLog.Infof("Starting simulation: capacity=%d, payments=%d x %d sat",
		cfg.Capacity, cfg.NumPayments, cfg.PaymentAmt)

	result, err := runSimulation(ctx, cfg)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	simLog.Infof("Simulation done: settled=%d, rejected=%d, "+
		"final_state=%v", result.Settled, result.Rejected,
		result.FinalState)
	for name, labels := range result.Published {
		simLog.Infof("%v stored %d monitor updates, published %v", name,
			result.MonitorUpdates[name], labels)
	}

	return nil
}
