package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmesh/sds/pkg/sds"
	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/config"
)

func newStatsCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Connect briefly and print publish/receive counters",
		Long: `stats connects to the broker, waits for the given duration to
observe any traffic, then prints the accumulated counters and exits. It
registers no tables, so it only reports LWT/raw-channel activity —
useful as a quick broker reachability check.

  sdsnode stats --config node.yaml --wait 3s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := newTransport(cfg)
			if err != nil {
				return err
			}

			node, err := sds.New(cfg, tr, clock.NewSystem())
			if err != nil {
				return fmt.Errorf("build node: %w", err)
			}

			ctx := cmd.Context()
			if err := node.Init(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			deadline := time.After(wait)
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
		loop:
			for {
				select {
				case <-deadline:
					break loop
				case <-ticker.C:
					if err := node.Loop(ctx); err != nil {
						return err
					}
				}
			}

			snap := node.Stats()
			fmt.Printf("node:        %s\n", node.NodeID())
			fmt.Printf("connected:   %v\n", node.IsConnected())
			fmt.Printf("reconnects:  %d\n", snap.Reconnects)
			fmt.Printf("published:   %d\n", snap.MessagesPublished)
			fmt.Printf("received:    %d\n", snap.MessagesReceived)
			fmt.Printf("publish err: %d\n", snap.PublishErrors)
			fmt.Printf("decode err:  %d\n", snap.DecodeErrors)
			fmt.Printf("evictions:   %d\n", snap.Evictions)
			for table, ts := range snap.ByTable {
				fmt.Printf("  %-16s config=%d state=%d status=%d largest=%dB\n",
					table, ts.ConfigPublishes, ts.StatePublishes, ts.StatusPublishes, ts.LargestPayload)
			}

			return node.Shutdown(ctx)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to observe traffic before reporting")
	return cmd
}
