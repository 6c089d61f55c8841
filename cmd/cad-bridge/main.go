// Command cad-bridge runs a headless host with the RPC bridge and talks to
// running bridges.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	addr       string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "cad-bridge",
		Short:        "Cross-thread RPC bridge into a single-threaded CAD host",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flags.addr, "addr", "", "Bridge address (default from config)")

	root.AddCommand(
		newServeCmd(flags),
		newPingCmd(flags),
		newCallCmd(flags),
		newMenuCmd(flags, "start", "Start the bridge of a running host"),
		newMenuCmd(flags, "stop", "Stop the bridge of a running host"),
		newStatusCmd(flags),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLine(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
