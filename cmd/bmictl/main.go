// Command bmictl is the local operator CLI standing in for the
// out-of-scope HTTP surface (spec §1, SPEC_FULL.md §4.9): it builds a
// bmi.Facade from the on-disk configuration and exposes provision,
// deprovision, snapshot and image lifecycle operations as cobra
// subcommands, printing the return envelope as JSON.
package main

import (
	"fmt"
	"os"

	"github.com/bmi-project/bmi/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

var cfgPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bmictl",
		Short:         "Operate the bare-metal imaging orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to bmictl TOML config file")
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newProvisionCmd(),
		newDeprovisionCmd(),
		newSnapshotCmd(),
		newImageCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Default(), cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	config.ApplyFlags(cfg, cmd.Flags())
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger)
}
