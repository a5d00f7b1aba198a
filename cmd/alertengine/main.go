package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "alertengine",
		Short: "Security event correlation and alert dispatch engine",
		Long: `alertengine ingests security alerts, threats and anomalies per tenant,
correlates them against a catalog of multi-event rules, records findings and
fans notifications out to live, chatops, email and sms channels.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file (env ALERTENGINE_* overrides it)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRulesCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the JSON logger used by every component
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
