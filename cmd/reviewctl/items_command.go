package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/shadow-review/internal/review"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var status, channel string
	var limit, offset int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			items, total, err := engine.List(cmd.Context(), review.ListFilter{
				Status:    review.Status(strings.TrimSpace(status)),
				ChannelID: strings.TrimSpace(channel),
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"items": items, "total": total})
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}

			rows := make([][]string, 0, len(items))
			for _, item := range items {
				rows = append(rows, []string{
					item.ID,
					string(item.Status),
					item.ChannelID,
					item.GenerationVersion(),
					strconv.Itoa(item.RetryCount),
					item.CreatedAt.Format(time.RFC3339),
					truncate(item.Question(), 48),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Status", "Channel", "Version", "Retries", "Created", "Question"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d items\n", len(items), total)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only items in this status")
	cmd.Flags().StringVar(&channel, "channel", "", "Only items from this channel")
	cmd.Flags().IntVar(&limit, "limit", review.DefaultListLimit, "Maximum items to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Items to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			item, err := engine.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			if asJSON {
				return writeJSON(cmd, item)
			}

			rows := [][]string{
				{"ID", item.ID},
				{"Status", string(item.Status)},
				{"Channel", item.ChannelID},
				{"Detected version", fmt.Sprintf("%s (%.2f)", item.DetectedVersion, item.VersionConfidence)},
				{"Confirmed version", item.ConfirmedVersion},
				{"Question", item.Question()},
				{"Retries", strconv.Itoa(item.RetryCount)},
			}
			if item.RagError != "" {
				rows = append(rows, []string{"Generation error", item.RagErrorReason + ": " + item.RagError})
			}
			if resp := item.FinalResponse(); resp != "" {
				rows = append(rows, []string{"Response", truncate(resp, 120)})
			}
			if item.ReviewedBy != "" {
				rows = append(rows, []string{"Reviewed by", item.ReviewedBy})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of one queue item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := engine.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history recorded")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					entry.CreatedAt.Format(time.RFC3339),
					entry.Transition,
					string(entry.FromStatus) + " -> " + string(entry.ToStatus),
					entry.Actor,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"At", "Transition", "Status", "Actor"}, rows, nil))
			return nil
		},
	}
	return cmd
}
