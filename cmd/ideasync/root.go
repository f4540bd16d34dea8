package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ideasync/internal/config"
	"ideasync/internal/logging"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

type globalFlags struct {
	configDir string
	logLevel  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "ideasync",
		Short:         "Real-time collaborative editing for idea documents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default $CONFIG_DIR or ./config)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newRelayCmd(flags),
		newPeerCmd(flags),
		newTokenCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

// bootstrap loads the configuration and builds the process logger.
func bootstrap(flags *globalFlags) (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.Load(flags.configDir)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logger, level, err := logging.New(cfg.Environment, cfg.Logging)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	return cfg, logger, level, nil
}
