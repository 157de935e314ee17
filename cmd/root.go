package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"browser-bench/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "0.3.0"

var logLevel string

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "browser-bench",
		Short:         "Browser engine benchmarking on isolated CPUs",
		Long:          "Collects repeated traces of browser engines loading sites, one isolated CPU configuration at a time",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loadEnvironment()
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newReleaseCmd())
	rootCmd.AddCommand(newTopologyCmd())
	rootCmd.AddCommand(newExternalCmd("analyse", "Run the study's analyse command"))
	rootCmd.AddCommand(newExternalCmd("report", "Run the study's report command"))
	return rootCmd
}

func Execute() error {
	return newRootCmd().Execute()
}

// loadEnvironment reads .env from the working directory, falling back to the
// directory of the executable.
func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err != nil {
		execPath, err := os.Executable()
		if err != nil {
			return
		}
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err != nil {
			return
		}
	}
	if err := godotenv.Load(envFile); err != nil {
		logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		return
	}
	logger.WithField("file", envFile).Debug("Loaded environment variables")
}
