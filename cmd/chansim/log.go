package main

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnchan/build"
	"github.com/lightningnetwork/lnchan/channeldb"
	"github.com/lightningnetwork/lnchan/htlcswitch"
	"github.com/lightningnetwork/lnchan/lnwallet"
	"github.com/lightningnetwork/lnchan/lnwallet/chancloser"
	"github.com/lightningnetwork/lnchan/monitoring"
)

// simLog is the logger of the simulator itself.
var simLog = build.NewSubLogger("CSIM", nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	simLog = AddSubLogger(root, "CSIM")

	AddSubLogger(root, "LNWL", lnwallet.UseLogger)
	AddSubLogger(root, "CHCL", chancloser.UseLogger)
	AddSubLogger(root, "CHDB", channeldb.UseLogger)
	AddSubLogger(root, "HSWC", htlcswitch.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) btclog.Logger {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}

	return logger
}
