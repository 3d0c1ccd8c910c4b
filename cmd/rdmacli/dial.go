package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vuhuong/rdmacore"
	"github.com/vuhuong/rdmacore/internal/logging"
)

func newDialCommand() *cobra.Command {
	var (
		local   string
		remote  string
		devices string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Dial a simulated RDMA listener and print the resulting state",
		Long: "dial opens an endpoint and connects to remote within the same process. " +
			"The simulated CM broker only matches listeners and dialers sharing a " +
			"process, so remote must have been registered by \"rdmacli listen\" in this " +
			"same invocation (see listen --demo-dial) rather than a separately-run process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logConfig := logging.DefaultConfig()
				logConfig.Level = logging.LevelDebug
				logging.SetDefault(logging.NewLogger(logConfig))
			}

			settled := make(chan rdmacore.Upcall, 4)
			ep, err := rdmacore.OpenSim(rdmacore.DefaultParams(), &rdmacore.Options{
				Observer: observerFunc(func(u rdmacore.Upcall) {
					printUpcall(u)
					if u.Kind == rdmacore.UpcallEstablished || u.Kind == rdmacore.UpcallRefused || u.Kind == rdmacore.UpcallError {
						settled <- u
					}
				}),
			}, splitDevices(devices)...)
			if err != nil {
				return fmt.Errorf("open endpoint: %w", err)
			}
			defer ep.Close()

			c, err := ep.Dial(local, remote)
			if err != nil {
				return fmt.Errorf("dial %s -> %s: %w", local, remote, err)
			}

			select {
			case <-settled:
			case <-time.After(2 * time.Second):
				fmt.Println("timed out waiting for the connection to settle")
			}
			fmt.Printf("dialed %s -> %s, state=%s refcount=%d\n", local, remote, c.State(), c.Refcount())
			return nil
		},
	}

	cmd.Flags().StringVar(&local, "local", "10.0.0.2:0", "local address to bind")
	cmd.Flags().StringVar(&remote, "remote", "10.0.0.1:18515", "remote address to connect to")
	cmd.Flags().StringVar(&devices, "devices", "sim0", "comma-separated simulated device names to register")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")

	return cmd
}
