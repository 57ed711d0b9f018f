package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pagemill/pagemill/internal/api"
	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pagemill",
	Short: "Document OCR pipeline backed by a local DeepSeek-OCR service",
	Long: `Pagemill turns PDF documents and page scans into recognized text and
downloadable artifacts.

The pipeline includes:
  - PDF rasterization with a resumable render queue
  - Recognition against a locally managed DeepSeek-OCR container
  - Markdown, PDF, and Word artifact generation per page
  - Drag-free page reordering with stable global sequence numbers`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.pagemill/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "pagemill home directory (default: ~/.pagemill)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration, applying the --home override.
func loadConfig() (*config.Config, error) {
	cm, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := cm.Get()
	if homeDir != "" {
		cfg.Home = homeDir
	}
	return cfg, nil
}

// newLogger builds the slog logger the log config asks for.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
