// Package cmd implements the abrcore command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/abrcore/internal/config"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/internal/version"
)

// cfgFile holds the --config flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "abrcore",
	Short:   "Adaptive streaming manifest and DRM inspector",
	Version: version.Short(),
	Long: `abrcore opens MPEG-DASH, HLS and Smooth Streaming presentations,
negotiates DRM sessions for their protection sets and reports the streams
a player would be offered.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// initLogging reads rootCmd flags, so the hook is set here.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Not bound to viper: a flag overrides env and file only when given.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./abrcore.yaml or $HOME/.abrcore/abrcore.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// loadConfig loads the configuration and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	return cfg, nil
}

// initLogging installs the default logger. Precedence is flag, then
// environment, then config file, then defaults.
func initLogging() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(observability.WithApp(logger, version.ApplicationName))
	return nil
}
