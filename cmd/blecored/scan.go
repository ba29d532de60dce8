package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleadapter/goble"
	"github.com/srg/blecore/pkg/bleconfig"
	"github.com/srg/blecore/pkg/blemanager"
	"github.com/srg/blecore/pkg/blestore"
)

var scanDuration time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices and print discoveries as they arrive",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "scan duration")
}

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	mailbox := bleadapter.NewMailbox(1024)
	adapter := goble.New(logger, mailbox)
	m := blemanager.New(bleconfig.DefaultConfig(), adapter, mailbox, blestore.NewMemStore())

	m.Dispatcher.Discovery.Push(traceListener{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.StartScan(bleadapter.ScanParams{ActiveScan: true})
	time.Sleep(scanDuration)
	m.StopScan()
	time.Sleep(bleconfig.DefaultConfig().AutoUpdateRate * 2) // let the stop task drain before the worker halts
	m.Stop()
	return nil
}
