// statlink - resilient battle statistics uplink.
//
// statlink aggregates per-battle player statistics and streams them to a
// statistics server over a socket.io websocket, reconnecting with backoff
// and rate-limiting sends. It exposes a local control API, Prometheus
// metrics, an optional MQTT status mirror and a delivery history.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/statlink-project/statlink/internal/config"
	"github.com/statlink-project/statlink/internal/util"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
      _        _   _ _       _
  ___| |_ __ _| |_| (_)_ __ | | __
 / __| __/ _' | __| | | '_ \| |/ /
 \__ \ || (_| | |_| | | | | |   <
 |___/\__\__,_|\__|_|_|_| |_|_|\_\  %s
`

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	util.Version = version

	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "statlink",
		Short: "Battle statistics uplink",
		Long: `statlink streams aggregated battle statistics to a statistics server
over a socket.io websocket connection.

It keeps a bounded outbound queue, reconnects with exponential backoff,
answers server heartbeats while backlogged and rejects oversized payloads.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultConfigDir,
		"config directory or .json/.yaml file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		runCmd(&flags),
		sendCmd(&flags),
		statusCmd(&flags),
		mockCmd(&flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration and reconfigures the
// logger from it.
func loadConfig(flags *globalFlags, console bool) (*config.Config, *config.ValidationResult, error) {
	if err := util.InitLogger(util.LogConfig{Level: flags.logLevel, Console: true}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    console && cfg.Logging.Console,
	}
	if flags.logLevel != "" {
		logCfg.Level = flags.logLevel
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	for _, e := range validation.Errors {
		log.Error().Str("field", e.Field).Msg(e.Message)
	}
	return cfg, validation, nil
}
