package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCommand() *cobra.Command {
	var devices string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List registered simulated devices and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := openEndpoint(devices, verbose)
			if err != nil {
				return fmt.Errorf("open endpoint: %w", err)
			}
			defer ep.Close()

			for _, dev := range ep.Devices() {
				caps := dev.Caps()
				fmt.Printf("%s  guid=%#x  max_qp=%d  max_cqe=%d  max_sge=%d  comp_vectors=%d\n",
					dev.Name(), dev.GUID(), caps.MaxQP, caps.MaxCQE, caps.MaxSGE, caps.NumCompVectors)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&devices, "devices", "sim0", "comma-separated simulated device names to register")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	return cmd
}
