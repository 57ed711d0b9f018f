package main

import (
	"github.com/spf13/cobra"

	"github.com/pagemill/pagemill/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pagemill server",
	Long: `Start the pagemill HTTP server.

On startup any pages a previous run left mid-stage are re-queued, then the
API starts accepting imports. The OCR container is NOT started automatically;
run "pagemill ocr up" first if it is not already running.

The server provides:
  /api/import  - Upload a PDF or page image
  /api/pages   - Page listing and actions
  /api/events  - Server-sent progress events
  /health      - Basic server health check
  /ready       - Readiness check (includes OCR service status)

Examples:
  pagemill serve                 # Start on default port 8090
  pagemill serve --port 3000     # Start on custom port
  pagemill serve --host 0.0.0.0  # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)

		s, err := buildStack(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		// Resume submits recognitions immediately; take one synchronous
		// health reading first so they are not refused as unreachable
		// before the monitor's first poll lands.
		s.monitor.Poll(ctx)
		go s.monitor.Start(ctx)
		s.orch.Start(ctx)

		stats, err := s.orch.Resume(ctx)
		if err != nil {
			return err
		}
		if stats.RenderResumed+stats.OCRResumed+stats.GenResumed > 0 {
			logger.Info("resumed interrupted pages",
				"render", stats.RenderResumed,
				"ocr", stats.OCRResumed,
				"generate", stats.GenResumed,
				"failed", stats.RenderFailed)
		}

		host := cfg.Server.Host
		if serveHost != "" {
			host = serveHost
		}
		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:     host,
			Port:     port,
			Pipeline: s.orch,
			Store:    s.store,
			Gate:     s.monitor,
			Bus:      s.bus,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")

	rootCmd.AddCommand(serveCmd)
}
