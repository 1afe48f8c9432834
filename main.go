package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"plainpair/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:           "plainpair",
		Short:         "Pair devices on the local network and exchange signed messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				return os.Setenv(config.DataDirEnv, dataDir)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (default from config)")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(identityCmd())
	cmd.AddCommand(peersCmd())
	cmd.AddCommand(unpairCmd())
	cmd.AddCommand(resetCmd())
	cmd.AddCommand(auditCmd())
	return cmd
}

func newLogger(cmd *cobra.Command, cfg *config.DeviceConfig) zerolog.Logger {
	level := cfg.Level()
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		if parsed, err := zerolog.ParseLevel(flag); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
