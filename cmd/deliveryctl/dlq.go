package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fleetrelay/internal/types"
)

func newDLQCmd(env *commandEnv) *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on dead-lettered deliveries",
	}
	dlqCmd.AddCommand(newDLQListCmd(env))
	dlqCmd.AddCommand(newDLQShowCmd(env))
	dlqCmd.AddCommand(newDLQReplayCmd(env))
	dlqCmd.AddCommand(newDLQDiscardCmd(env))
	dlqCmd.AddCommand(newDLQPurgeCmd(env))
	return dlqCmd
}

func newDLQListCmd(env *commandEnv) *cobra.Command {
	var (
		filter types.DeadLetterFilter
		status string
		dest   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = types.DeadLetterStatus(status)
			filter.DestinationType = types.DestinationType(dest)
			return env.withBackend(cmd.Context(), func(b *backend) error {
				recs, page, err := b.DeadLetters.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(env, types.ListResponse[*types.DeadLetterRecord]{Data: recs, PageInfo: page})
				}
				if len(recs) == 0 {
					env.printf("No dead-letter records found.\n")
					return nil
				}
				tw := tabwriter.NewWriter(env.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tTENANT\tTYPE\tATTEMPTS\tERROR\tCREATED")
				for _, r := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						r.ID, r.Status, r.TenantID, r.DestinationType, r.Attempts, r.ErrorCode,
						r.CreatedAt.UTC().Format(time.RFC3339))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				if page.HasMore {
					env.printf("\nMore records: --cursor %s\n", page.NextCursor)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(types.DeadLetterFailed), "Filter by status (FAILED, REPLAYED, DISCARDED); empty for all")
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "Filter by tenant id")
	cmd.Flags().StringVar(&filter.RouteID, "route", "", "Filter by route id")
	cmd.Flags().StringVar(&dest, "type", "", "Filter by destination type")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum records to return")
	cmd.Flags().StringVar(&filter.Cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newDLQShowCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one dead-letter record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withBackend(cmd.Context(), func(b *backend) error {
				rec, err := b.DeadLetters.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(env, rec)
			})
		},
	}
}

func newDLQReplayCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>...",
		Short: "Attempt delivery of FAILED records again",
		Long: "Replay runs one delivery attempt per record with the current adapters.\n" +
			"Delivered records become REPLAYED; failed ones stay FAILED with the new error.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withBackend(cmd.Context(), func(b *backend) error {
				failed := 0
				for _, res := range b.DeadLetters.ReplayMany(cmd.Context(), args) {
					if res.Delivered {
						env.printf("%s\tdelivered\n", res.ID)
						continue
					}
					failed++
					env.printf("%s\tfailed\t%s\n", res.ID, res.Error)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d replays did not deliver", failed, len(args))
				}
				return nil
			})
		},
	}
}

func newDLQDiscardCmd(env *commandEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>...",
		Short: "Mark FAILED records as DISCARDED",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return env.withBackend(cmd.Context(), func(b *backend) error {
				for _, id := range args {
					if _, err := b.DeadLetters.Discard(cmd.Context(), id); err != nil {
						return fmt.Errorf("discard %s: %w", id, err)
					}
					env.printf("%s\tdiscarded\n", id)
				}
				return nil
			})
		},
	}
}

func newDLQPurgeCmd(env *commandEnv) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete FAILED records older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withBackend(cmd.Context(), func(b *backend) error {
				n, err := b.DeadLetters.Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				env.printf("Purged %d records older than %s.\n", n, olderThan)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "Age cutoff")
	return cmd
}

func writeJSON(env *commandEnv, v any) error {
	enc := json.NewEncoder(env.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
