package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/formscan/internal/config"
	"github.com/jackzampolin/formscan/internal/output"
	"github.com/jackzampolin/formscan/internal/svcctx"
	"github.com/jackzampolin/formscan/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "formscan",
	Short: "Extract field values from scanned form pages",
	Long: `Formscan reads the page images of a submitted form and extracts one value
per field of the application's schema.

Each schema field is one of:
  - WORD      one region recognized as a single line of text
  - CHAR      several boxed characters joined in order
  - CHECKBOX  boxes compared against their blank-form brightness

Results are written to {output_root}/ocr_{form_id}.json.`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.formscan/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "formscan home directory (default: ~/.formscan)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level override: debug, info, warn or error",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Manager, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	if homeDir != "" {
		if err := mgr.Set("paths.home", homeDir); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		if err := mgr.Set("log_level", logLevel); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

// newLogger logs to stderr so stdout carries only command output.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openServices builds the services and attaches them to the command context.
// When a config file is in use, edits to it reload the OCR providers.
// Callers must Close the returned services.
func openServices(cmd *cobra.Command) (*svcctx.Services, error) {
	mgr, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(mgr.Get().LogLevel)
	slog.SetDefault(logger)

	s, err := svcctx.Build(mgr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start services: %w", err)
	}
	if f := mgr.ConfigFile(); f != "" {
		mgr.WatchConfig()
		logger.Debug("watching config", "file", f)
	}
	cmd.SetContext(svcctx.WithServices(cmd.Context(), s))
	return s, nil
}

// printResult writes v to stdout in the --output format.
func printResult(cmd *cobra.Command, v any) error {
	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	return output.Write(cmd.OutOrStdout(), format, v)
}
