package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fleetrelay/internal/types"
)

func newJobsCmd(env *commandEnv) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Maintain the delivery job queue",
	}
	jobsCmd.AddCommand(newRequeueStuckCmd(env))
	jobsCmd.AddCommand(newEnqueueCmd(env))
	return jobsCmd
}

func newRequeueStuckCmd(env *commandEnv) *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "requeue-stuck",
		Short: "Return jobs stuck in PROCESSING to PENDING",
		Long: "Jobs whose claim is older than --after go back to PENDING, due now.\n" +
			"Attempt counts are kept. Only the relational queue has stuck claims.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if after <= 0 {
				return errors.New("--after must be positive")
			}
			return env.withBackend(cmd.Context(), func(b *backend) error {
				n, err := b.Jobs.RequeueStuck(cmd.Context(), after)
				if err != nil {
					return err
				}
				env.printf("Requeued %d jobs.\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&after, "after", 5*time.Minute, "Claim age after which a job counts as stuck")
	return cmd
}

func newEnqueueCmd(env *commandEnv) *cobra.Command {
	var (
		job     types.DeliveryJob
		dest    string
		cfgJSON string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a delivery job on the configured queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !json.Valid([]byte(cfgJSON)) {
				return errors.New("--config must be valid JSON")
			}
			if !json.Valid([]byte(payload)) {
				return errors.New("--payload must be valid JSON")
			}
			job.DestinationType = types.DestinationType(dest)
			job.DestinationConfig = json.RawMessage(cfgJSON)
			job.Payload = json.RawMessage(payload)

			return env.withBackend(cmd.Context(), func(b *backend) error {
				if b.Queue == nil {
					return errors.New("the configured queue does not accept jobs")
				}
				if err := b.Queue.Enqueue(cmd.Context(), &job); err != nil {
					return fmt.Errorf("enqueue: %w", err)
				}
				env.printf("Enqueued job %s.\n", job.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&job.TenantID, "tenant", "", "Tenant id")
	cmd.Flags().StringVar(&job.RouteID, "route", "", "Route id")
	cmd.Flags().StringVar(&job.Topic, "topic", "", "Original topic")
	cmd.Flags().StringVar(&dest, "type", "", "Destination type (webhook, broker_republish, email, snmp)")
	cmd.Flags().StringVar(&cfgJSON, "config", "{}", "Destination config as JSON")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Payload as JSON")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
