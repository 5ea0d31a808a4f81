package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/shadow-review/internal/ingest"
	"github.com/wolfman30/shadow-review/internal/review"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.store(cmd.Context())
			if err != nil {
				return err
			}
			counts, err := store.Counts(cmd.Context())
			if err != nil {
				return err
			}
			stats := review.StatsFromCounts(counts, time.Now().UTC())
			if asJSON {
				return writeJSON(cmd, stats)
			}

			rows := [][]string{
				{"pending_version_review", strconv.Itoa(stats.PendingVersionReview)},
				{"generating", strconv.Itoa(stats.Generating)},
				{"pending_response_review", strconv.Itoa(stats.PendingResponseReview)},
				{"rag_failed", strconv.Itoa(stats.RagFailed)},
				{"approved", strconv.Itoa(stats.Approved)},
				{"edited", strconv.Itoa(stats.Edited)},
				{"rejected", strconv.Itoa(stats.Rejected)},
				{"skipped", strconv.Itoa(stats.Skipped)},
				{"total", strconv.Itoa(stats.Total)},
			}
			if stats.AvgConfidence != nil {
				rows = append(rows, []string{"avg_confidence", strconv.FormatFloat(*stats.AvgConfidence, 'f', 2, 64)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Move generations stuck past their lease to rag_failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = ctx.cfg.GenerationLeaseTTL
			}
			n, err := engine.ReclaimStale(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d item(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Generation age to reclaim (default: lease TTL)")
	return cmd
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a create request to the ingest queue",
		Long:  "Reads a JSON create request from --file (or stdin) and sends it to INGEST_QUEUE_URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var req review.CreateRequest
			if err := json.NewDecoder(in).Decode(&req); err != nil {
				return fmt.Errorf("decode create request: %w", err)
			}

			queue, err := ctx.openQueue(cmd.Context())
			if err != nil {
				return err
			}
			if err := ingest.NewPublisher(queue).Publish(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Enqueued")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with the create request (default stdin)")
	return cmd
}
