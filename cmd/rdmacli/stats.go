package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCommand() *cobra.Command {
	var devices string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Dump completion-queue and slab-pool occupancy for a freshly-opened endpoint",
		Long: "stats opens an endpoint against the given simulated devices and prints its " +
			"completion-queue and slab-pool occupancy once, the Go analog of xio_mempool_dump. " +
			"The endpoint is its own, opened just for this command with no connections, so " +
			"the output shows only its initial shape.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := openEndpoint(devices, verbose)
			if err != nil {
				return fmt.Errorf("open endpoint: %w", err)
			}
			defer ep.Close()

			cqStats := ep.CQStats()
			if len(cqStats) == 0 {
				fmt.Println("no completion queues allocated")
			}
			for _, s := range cqStats {
				fmt.Printf("cq  device=%s(%#x)  depth=%d  reserved=%d  refs=%d\n",
					s.DeviceName, s.DeviceGUID, s.GrantedDepth, s.ReservedSlots, s.Refcount)
			}

			slabStats := ep.SlabStats()
			if len(slabStats) == 0 {
				fmt.Println("no shared slab pool configured")
			}
			for _, s := range slabStats {
				fmt.Printf("slab  block_size=%d  used=%d/%d  max=%d\n",
					s.BlockSize, s.UsedBlocks, s.CurrBlocks, s.MaxBlocks)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&devices, "devices", "sim0", "comma-separated simulated device names to register")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	return cmd
}
