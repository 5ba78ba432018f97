package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldmesh/sds/pkg/sds"
	"github.com/fieldmesh/sds/pkg/sds/clock"
	"github.com/fieldmesh/sds/pkg/sds/config"
	"github.com/fieldmesh/sds/pkg/sds/log"
	"github.com/fieldmesh/sds/pkg/sds/mqtttransport"
	"github.com/fieldmesh/sds/pkg/sds/redistransport"
	"github.com/fieldmesh/sds/pkg/sds/transport"
)

func newRunCmd() *cobra.Command {
	var tickInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and run the cooperative sync loop until interrupted",
		Long: `run loads the config file, connects to the broker, and drives the
node's Loop on a fixed tick until SIGINT/SIGTERM.

  sdsnode run --config node.yaml
  sdsnode run --config node.yaml --tick 200ms`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.LogLevel != "" {
				if err := log.SetLevel(cfg.LogLevel); err != nil {
					return fmt.Errorf("log level: %w", err)
				}
			}

			tr, err := newTransport(cfg)
			if err != nil {
				return err
			}

			node, err := sds.New(cfg, tr, clock.NewSystem())
			if err != nil {
				return fmt.Errorf("build node: %w", err)
			}

			node.OnError(func(err error) {
				log.WithNode(node.NodeID()).WithError(err).Warn("node reported an error")
			})
			node.OnDeviceEvicted(func(table, nodeID string) {
				log.WithTable(table).WithField("node", nodeID).Info("device evicted")
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := node.Init(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			log.WithNode(node.NodeID()).Info("sdsnode connected, entering loop")

			ticker := time.NewTicker(tickInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := node.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
						return fmt.Errorf("shutdown: %w", err)
					}
					return nil
				case <-ticker.C:
					if err := node.Loop(ctx); err != nil {
						log.WithNode(node.NodeID()).WithError(err).Warn("loop iteration failed")
					}
				}
			}
		},
	}

	cmd.Flags().DurationVar(&tickInterval, "tick", 100*time.Millisecond, "cooperative loop tick interval")
	return cmd
}

func newTransport(cfg config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case "", "mqtt":
		return mqtttransport.New(), nil
	case "redis":
		return redistransport.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
