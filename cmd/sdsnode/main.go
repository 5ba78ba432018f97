// Command sdsnode is the reference CLI for running a standalone SDS
// node: load a config file, dial the broker, and drive the cooperative
// loop until interrupted. It registers no table types of its own — a
// real fleet application embeds pkg/sds directly and calls
// sds.Node.RegisterTable for its own tables — but it is useful on its
// own for exercising connect/reconnect/LWT behavior against a broker,
// and as a worked example of the façade's lifecycle.
//
// A cobra root command with SilenceUsage/SilenceErrors, a persistent
// --config flag, and a flat list of noun subcommands built by newXCmd()
// factories.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldmesh/sds/pkg/sds/version"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdsnode",
		Short: "Reference node for the SDS fleet state-sync protocol",
		Long: `sdsnode runs a standalone SDS node against a pub/sub broker.

  sdsnode run --config node.yaml     # connect and run the cooperative loop
  sdsnode stats --config node.yaml   # one-shot connect, print stats, exit
  sdsnode config init                # write a default config file`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "sdsnode.yaml", "path to the node config file")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatsCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				if version.Version == "dev" {
					fmt.Println("sdsnode dev build (use -ldflags for version info)")
				} else {
					fmt.Printf("sdsnode %s (%s)\n", version.Version, version.GitCommit)
				}
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
