package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldmesh/sds/pkg/sds/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or inspect node config files",
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		nodeID     string
		brokerHost string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file at --config's path",
		Long: `config init writes a YAML config with every option at its
spec-mandated default, ready to edit.

  sdsnode config init --config node.yaml --broker-host broker.local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.NodeID = nodeID
			cfg.BrokerHost = brokerHost
			if err := config.Save(configPath, cfg); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id (auto-generated at runtime if left empty)")
	cmd.Flags().StringVar(&brokerHost, "broker-host", "localhost", "broker hostname")
	return cmd
}
