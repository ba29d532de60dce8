// Command blecored is a thin demonstration harness around pkg/blemanager:
// it wires a Manager to the go-ble-backed StackAdapter and prints the
// events a real application would otherwise receive through the
// Dispatcher. It is not part of the scheduler core's public contract -
// the teacher's own cmd/blecli/cmd/blim split a full CLI out from the
// library the same way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "blecored",
	Short:   "Demonstration harness for the BLE central-role scheduler core",
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
}
