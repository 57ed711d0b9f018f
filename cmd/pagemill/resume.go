package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagemill/pagemill/internal/api"
)

var resumeWait bool

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-queue pages a previous run left mid-stage",
	Long: `Resume scans the record store for pages stuck in a non-terminal state and
re-queues them: interrupted renders restart from the stored source bytes,
interrupted recognitions and generations restart their stage from the
beginning. Pages whose source bytes are gone are marked failed.

The running server does this automatically on startup; use this command to
drain a backlog without exposing the HTTP API. With --wait the command blocks
until every re-queued page settles.

Examples:
  pagemill resume
  pagemill resume --wait`,
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

		// One synchronous health reading before re-queueing, so resumed
		// recognitions are not refused as unreachable before the
		// monitor's first poll lands.
		s.monitor.Poll(ctx)
		go s.monitor.Start(ctx)
		s.orch.Start(ctx)

		stats, err := s.orch.Resume(ctx)
		if err != nil {
			return err
		}

		if resumeWait {
			if err := waitForIdle(ctx, s); err != nil {
				return err
			}
		}

		return api.Output(stats)
	},
}

// waitForIdle polls lane stats until no work is queued or in flight.
func waitForIdle(ctx context.Context, s *stack) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ticker.C:
			busy := false
			for _, lane := range s.orch.Stats().Lanes {
				if lane.QueueDepth > 0 || lane.InFlight > 0 {
					busy = true
					break
				}
			}
			if !busy {
				return nil
			}
		}
	}
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeWait, "wait", false, "block until re-queued pages settle")

	rootCmd.AddCommand(resumeCmd)
}
