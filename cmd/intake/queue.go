package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/broker"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/config"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/logging"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/pipeline"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Dead-letter queue operations",
	Long:  "Inspect and replay dead-lettered envelopes",
}

var queueListCmd = &cobra.Command{
	Use:   "list [document-type]",
	Short: "List dead-lettered envelopes for a document type",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueList,
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay [document-type]",
	Short: "Replay dead-lettered envelopes with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueReplay,
}

func init() {
	queueListCmd.Flags().Int("limit", 20, "maximum entries to show")
	queueReplayCmd.Flags().Int("max", 10, "maximum entries to replay")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
}

// dialGateway builds a short-lived gateway for CLI queue operations.
func dialGateway() (*queue.Gateway, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.Initialize(logging.Config{Level: "warn", Format: "text"})
	if err != nil {
		return nil, nil, err
	}

	pool, err := broker.New(broker.Config{
		URL:      cfg.Broker.URL,
		PoolSize: 1,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	gw := queue.NewGateway(&queue.PoolChannels{Pool: pool}, queue.Config{}, logger)
	cleanup := func() { _ = pool.Shutdown() }
	return gw, cleanup, nil
}

func resolveTopology(arg string) (queue.Topology, error) {
	if arg == "webhooks" {
		return queue.WebhookTopology(), nil
	}
	for _, t := range pipeline.AllDocumentTypes {
		if string(t) == arg {
			return queue.TopologyFor(arg), nil
		}
	}
	return queue.Topology{}, fmt.Errorf("unknown document type %q (expected one of %v or webhooks)", arg, pipeline.AllDocumentTypes)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	t, err := resolveTopology(args[0])
	if err != nil {
		return err
	}

	gw, cleanup, err := dialGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := gw.PeekDeadLetters(t, limit)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Printf("No dead-lettered envelopes in %s\n", t.DeadLetterQueue)
		return nil
	}

	fmt.Printf("%-38s %-24s %-8s %s\n", "ID", "TYPE", "RETRIES", "CREATED")
	for _, e := range entries {
		if e.Envelope == nil {
			fmt.Printf("%-38s %-24s %-8s undecodable: %s\n", "-", "-", "-", e.DecodeErr)
			continue
		}
		fmt.Printf("%-38s %-24s %d/%d      %s\n",
			e.Envelope.ID,
			e.Envelope.PayloadType,
			e.Envelope.RetryCount,
			e.Envelope.MaxRetries,
			e.Envelope.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	t, err := resolveTopology(args[0])
	if err != nil {
		return err
	}

	gw, cleanup, err := dialGateway()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := gw.DeclareTopology(t); err != nil {
		return err
	}

	max, _ := cmd.Flags().GetInt("max")
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	replayed, err := gw.ReplayDeadLetters(ctx, t, max)
	fmt.Printf("Replayed %d envelope(s) onto %s\n", replayed, t.QueueName)
	return err
}
