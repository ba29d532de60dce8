package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/blecore/pkg/bleadapter"
	"github.com/srg/blecore/pkg/bleadapter/goble"
	"github.com/srg/blecore/pkg/bleconfig"
	"github.com/srg/blecore/pkg/blemanager"
	"github.com/srg/blecore/pkg/blestore"
)

var connectTimeout time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect <mac>",
	Short: "Connect to a device and print state-change/bond/read-write events",
	Args:  cobra.ExactArgs(1),
	RunE:  runConnect,
}

func init() {
	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "how long to keep the connection open before disconnecting")
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	mac := args[0]

	mailbox := bleadapter.NewMailbox(1024)
	adapter := goble.New(logger, mailbox)
	m := blemanager.New(bleconfig.DefaultConfig(), adapter, mailbox, blestore.NewMemStore())

	m.Dispatcher.StateChange.Push(traceListener{})
	m.Dispatcher.Connect.Push(traceListener{})
	m.Dispatcher.ReadWrite.Push(traceListener{})
	m.Dispatcher.Bond.Push(traceListener{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.TurnBleOn()
	fmt.Printf("connecting to %s ...\n", mac)
	m.Connect(mac, false)

	time.Sleep(connectTimeout)
	m.Disconnect(mac)
	time.Sleep(bleconfig.DefaultConfig().AutoUpdateRate * 2)
	m.Stop()
	return nil
}
