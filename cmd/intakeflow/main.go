package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/intakeflow/pkg/connector"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

var version = "0.1.0"

// Runtime overrides bound to flags and INTAKEFLOW_* variables.
const (
	keyConfig         = "config"
	keyLogLevel       = "log-level"
	keyDataPath       = "data-path"
	keyIntakeURL      = "intake-url"
	keyMetricsAddress = "metrics-address"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	v.SetEnvPrefix("INTAKEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "intakeflow",
		Short: "Collect security telemetry and forward it to the intake",
		Long: `intakeflow runs one worker per configured stream. Each worker pulls events
from a vendor API, queue or broker and forwards them to the intake bus,
checkpointing only what the intake accepted.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP(keyConfig, "c", "intakeflow.yaml", "Path to the YAML configuration")
	flags.String(keyLogLevel, "", "Log level override (debug, info, warn, error)")
	flags.String(keyDataPath, "", "Checkpoint directory override")
	flags.String(keyIntakeURL, "", "Intake URL override")
	flags.String(keyMetricsAddress, "", "Prometheus listen address override")
	for _, key := range []string{keyConfig, keyLogLevel, keyDataPath, keyIntakeURL, keyMetricsAddress} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run every enabled stream until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), rc)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available stream types",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "Available stream types:")
			for _, t := range connector.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", t)
			}
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the streams it declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig(v)
			if err != nil {
				return err
			}
			for _, s := range rc.Streams {
				if !connector.Has(s.Type) {
					return errors.Newf(errors.ErrorTypeConfig, "stream %s: unknown type %s", s.Name, s.Type)
				}
				state := "enabled"
				if !s.IsEnabled() {
					state = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", s.Name, s.Type, state)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "intakeflow v%s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})
	return root
}
