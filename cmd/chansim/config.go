package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnchan/build"
	"github.com/lightningnetwork/lnchan/lncfg"
)

const (
	defaultCapacity    = 1_000_000
	defaultNumPayments = 20
	defaultPaymentAmt  = 10_000
	defaultBestHeight  = 800_000
	defaultDebugLevel  = "info"

	// defaultExpiryDelta is added to the minimum expiry delta to get the
	// expiry of simulated payments.
	defaultExpiryDelta = 144
)

var (
	defaultHomeDir    = btcutil.AppDataDir("chansim", false)
	defaultConfigFile = filepath.Join(
		defaultHomeDir, lncfg.DefaultConfigFilename,
	)
	defaultDataDir = filepath.Join(defaultHomeDir, lncfg.DefaultDataDirname)
	defaultLogDir  = filepath.Join(defaultHomeDir, lncfg.DefaultLogDirname)
)

// Config defines the configuration options for chansim.
//
//nolint:ll
type Config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory the monitor databases of both parties are stored in"`
	LogDir     string `long:"logdir" description:"Directory to log output."`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems."`

	Capacity    int64  `long:"capacity" description:"The capacity in satoshis of the simulated channel."`
	PushAmt     int64  `long:"pushamt" description:"The amount in satoshis the funder pushes to the other party on open."`
	NumPayments int    `long:"payments" description:"The number of payments sent over the channel before it is closed."`
	PaymentAmt  int64  `long:"paymentamt" description:"The amount in satoshis of each payment."`
	BestHeight  uint32 `long:"height" description:"The block height both parties see."`
	ForceClose  bool   `long:"forceclose" description:"Force close the channel instead of closing it cooperatively."`

	Channel    *lncfg.Channel   `group:"channel" namespace:"channel"`
	Fee        *lncfg.Fee       `group:"fee" namespace:"fee"`
	Close      *lncfg.Close     `group:"close" namespace:"close"`
	DB         *lncfg.DB        `group:"db" namespace:"db"`
	Link       *lncfg.Link      `group:"link" namespace:"link"`
	Prometheus lncfg.Prometheus `group:"prometheus" namespace:"prometheus"`
	LogConfig  *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		ConfigFile:  defaultConfigFile,
		DataDir:     defaultDataDir,
		LogDir:      defaultLogDir,
		DebugLevel:  defaultDebugLevel,
		Capacity:    defaultCapacity,
		NumPayments: defaultNumPayments,
		PaymentAmt:  defaultPaymentAmt,
		BestHeight:  defaultBestHeight,
		Channel:     lncfg.DefaultChannel(),
		Fee:         lncfg.DefaultFee(),
		Close:       lncfg.DefaultClose(),
		DB:          lncfg.DefaultDB(),
		Link:        lncfg.DefaultLink(),
		Prometheus:  lncfg.DefaultPrometheus(),
		LogConfig:   build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Next, load any additional configuration options from the file. A
	// missing file is fine.
	cfg := preCfg
	configFile := lncfg.CleanAndExpandPath(preCfg.ConfigFile)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) || !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	return ValidateConfig(cfg)
}

// ValidateConfig checks the given configuration to be sane and cleans up the
// paths in it.
func ValidateConfig(cfg Config) (*Config, error) {
	cfg.DataDir = lncfg.CleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = lncfg.CleanAndExpandPath(cfg.LogDir)

	switch {
	case cfg.Capacity <= 0:
		return nil, fmt.Errorf("capacity must be positive")

	case cfg.PushAmt < 0 || cfg.PushAmt >= cfg.Capacity:
		return nil, fmt.Errorf("pushamt must be in [0, capacity)")

	case cfg.NumPayments < 0:
		return nil, fmt.Errorf("payments must not be negative")

	case cfg.PaymentAmt <= 0:
		return nil, fmt.Errorf("paymentamt must be positive")
	}

	err := lncfg.Validate(
		cfg.Channel, cfg.Fee, cfg.Close, cfg.DB, cfg.Link,
		&cfg.Prometheus, cfg.LogConfig,
	)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
