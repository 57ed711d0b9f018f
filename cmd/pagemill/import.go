package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pagemill/pagemill/internal/api"
)

var importServerURL string

// importResult is one file's outcome in the summary.
type importResult struct {
	File      string `json:"file" yaml:"file"`
	SourceID  string `json:"source_id,omitempty" yaml:"source_id,omitempty"`
	PageCount int    `json:"page_count,omitempty" yaml:"page_count,omitempty"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

var importCmd = &cobra.Command{
	Use:   "import <file> [file...]",
	Short: "Upload files to the running server for processing",
	Long: `Import uploads PDF documents or page images to a running pagemill server.

Each PDF gets a contiguous block of page positions; concurrent uploads never
interleave their pages. Rendering (and, with auto-advance, recognition and
artifact generation) proceeds on the server after the upload returns.

Examples:
  pagemill import book.pdf
  pagemill import ch1.pdf ch2.pdf ch3.pdf
  pagemill import scan.png --server http://192.168.1.10:8090`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client := api.NewClient(importServerURL)

		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("server not reachable at %s (is pagemill serve running?): %w",
				importServerURL, err)
		}

		results := make([]importResult, len(args))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, path := range args {
			g.Go(func() error {
				src, err := client.ImportFile(gctx, path)
				if err != nil {
					results[i] = importResult{File: path, Error: err.Error()}
					return nil // keep uploading the rest
				}
				results[i] = importResult{
					File:      path,
					SourceID:  src.ID,
					PageCount: src.PageCount,
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		if err := api.Output(results); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed to import", failed, len(args))
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importServerURL, "server", "http://127.0.0.1:8090", "pagemill server URL")

	rootCmd.AddCommand(importCmd)
}
