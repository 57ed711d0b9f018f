package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagemill/pagemill/internal/api"
	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/home"
	"github.com/pagemill/pagemill/internal/ocrsvc"
)

var (
	ocrUpWaitSeconds int
	ocrLogsTail      string
)

var ocrCmd = &cobra.Command{
	Use:   "ocr",
	Short: "Manage the local OCR service container",
	Long: `OCR commands manage the Dockerized DeepSeek-OCR service the pipeline
recognizes pages against.

The model weights are cached under the pagemill home directory, so the first
"ocr up" pulls the image and downloads weights; later starts are fast.

Examples:
  pagemill ocr up         # Start the container and wait for it to be ready
  pagemill ocr status     # Report container state
  pagemill ocr logs       # Tail container logs
  pagemill ocr down       # Stop the container`,
}

// newOCRManager builds a container manager from config.
func newOCRManager(cfg *config.Config) (*ocrsvc.Manager, error) {
	h, err := home.New(cfg.Home)
	if err != nil {
		return nil, err
	}
	return ocrsvc.NewManager(ocrsvc.ManagerConfig{
		ContainerName: cfg.Container.Name,
		Image:         cfg.Container.Image,
		CachePath:     filepath.Join(h.Path(), "models"),
		HostPort:      cfg.Container.Port,
		GPU:           cfg.Container.GPU,
	})
}

var ocrUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the OCR service container",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := newOCRManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Start(ctx); err != nil {
			return err
		}
		if err := mgr.WaitReady(ctx, time.Duration(ocrUpWaitSeconds)*time.Second); err != nil {
			return fmt.Errorf("container started but service not ready: %w", err)
		}

		return api.Output(map[string]string{
			"status": "ready",
			"url":    mgr.URL(),
		})
	},
}

var ocrDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the OCR service container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := newOCRManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Stop(cmd.Context()); err != nil {
			return err
		}
		return api.Output(map[string]string{"status": "stopped"})
	},
}

var ocrStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report OCR service container state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := newOCRManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		status, err := mgr.Status(cmd.Context())
		if err != nil {
			return err
		}
		return api.Output(map[string]string{
			"container": cfg.Container.Name,
			"status":    string(status),
			"url":       mgr.URL(),
		})
	},
}

var ocrLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print OCR service container logs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		mgr, err := newOCRManager(cfg)
		if err != nil {
			return err
		}
		defer mgr.Close()

		logs, err := mgr.Logs(cmd.Context(), ocrLogsTail)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil
	},
}

func init() {
	ocrUpCmd.Flags().IntVar(&ocrUpWaitSeconds, "wait", 300, "seconds to wait for the service to become ready")
	ocrLogsCmd.Flags().StringVar(&ocrLogsTail, "tail", "100", "number of log lines to show")

	ocrCmd.AddCommand(ocrUpCmd, ocrDownCmd, ocrStatusCmd, ocrLogsCmd)
	rootCmd.AddCommand(ocrCmd)
}
