// Command rdmacli is a demo front-end over github.com/vuhuong/rdmacore: it
// can listen for and dial simulated RDMA connections, list registered
// devices, and dump completion-queue/slab occupancy, all without an
// RDMA-capable HCA.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "rdmacli",
		Short:   "Demo client for the rdmacore RDMA transport",
		Long:    "rdmacli drives a rdmacore.Endpoint from the command line: listen, dial, list devices, and dump queue/pool occupancy.",
		Version: version,
	}

	rootCmd.AddCommand(
		newDevicesCommand(),
		newListenCommand(),
		newDialCommand(),
		newStatsCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
