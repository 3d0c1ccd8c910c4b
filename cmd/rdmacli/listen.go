package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vuhuong/rdmacore"
	"github.com/vuhuong/rdmacore/internal/logging"
)

func newListenCommand() *cobra.Command {
	var (
		addr     string
		backlog  int
		devices  string
		verbose  bool
		demoDial bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for simulated RDMA connections and print lifecycle upcalls",
		Long: "listen starts a listening endpoint against the given simulated devices. " +
			"The simulated CM broker (internal/verbs/sim.go) only matches dialers and " +
			"listeners within the same process, so a separately-run \"rdmacli dial\" will " +
			"never reach it; --demo-dial (on by default) opens a second, in-process " +
			"endpoint and dials this listener so the full accept path runs end to end.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logConfig := logging.DefaultConfig()
				logConfig.Level = logging.LevelDebug
				logging.SetDefault(logging.NewLogger(logConfig))
			}

			ep, err := rdmacore.OpenSim(rdmacore.DefaultParams(), &rdmacore.Options{
				Observer: observerFunc(printUpcall),
			}, splitDevices(devices)...)
			if err != nil {
				return fmt.Errorf("open endpoint: %w", err)
			}
			defer ep.Close()

			if _, err := ep.Listen(addr, backlog); err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			fmt.Printf("listening on %s (backlog=%d)\n", addr, backlog)

			var demo *rdmacore.Endpoint
			if demoDial {
				demo, err = rdmacore.OpenSim(rdmacore.DefaultParams(), &rdmacore.Options{
					Observer: observerFunc(printUpcall),
				}, splitDevices(devices)...)
				if err != nil {
					return fmt.Errorf("open demo dialer: %w", err)
				}
				defer demo.Close()
				if _, err := demo.Dial(addr+"-peer", addr); err != nil {
					return fmt.Errorf("demo dial: %w", err)
				}
			}

			fmt.Println("press Ctrl+C to stop...")
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			fmt.Println("received shutdown signal")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "10.0.0.1:18515", "local address to listen on")
	cmd.Flags().IntVar(&backlog, "backlog", 4, "connection backlog")
	cmd.Flags().StringVar(&devices, "devices", "sim0", "comma-separated simulated device names to register")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug-level logging")
	cmd.Flags().BoolVar(&demoDial, "demo-dial", true, "also dial this listener from an in-process peer endpoint")

	return cmd
}

type observerFunc func(rdmacore.Upcall)

func (f observerFunc) OnUpcall(u rdmacore.Upcall) { f(u) }

func printUpcall(u rdmacore.Upcall) {
	switch u.Kind {
	case rdmacore.UpcallRefused:
		fmt.Printf("upcall=%s reason=%d\n", u.Kind, u.Reason)
	case rdmacore.UpcallError:
		fmt.Printf("upcall=%s err=%v\n", u.Kind, u.Err)
	default:
		fmt.Printf("upcall=%s conn=%d\n", u.Kind, u.Conn.ID())
	}
}
