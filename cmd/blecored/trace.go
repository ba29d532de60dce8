package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/srg/blecore/pkg/bleevent"
)

// traceListener implements every pkg/blelisten listener interface at once
// and prints a colored one-line trace per event, so a single Push wires
// the demo harness into every Dispatcher slot it cares about.
type traceListener struct{}

func (traceListener) OnStateChange(e bleevent.StateChangeEvent) {
	color.New(color.FgCyan).Printf("[state]  %s -> mask=%#x\n", e.Device, e.NewMask)
}

func (traceListener) OnConnect(device string, success bool) {
	c := color.New(color.FgGreen)
	if !success {
		c = color.New(color.FgRed)
	}
	c.Printf("[connect] %s success=%v\n", device, success)
}

func (traceListener) OnReconnectFailed(e bleevent.ConnectFailEvent) {
	color.New(color.FgYellow).Printf("[reconnect] %s failed: %s\n", e.Device, e.Status)
}

func (traceListener) OnReadWrite(e bleevent.ReadWriteEvent) {
	c := color.New(color.FgGreen)
	if !e.IsSuccess() {
		c = color.New(color.FgRed)
	}
	c.Printf("[%s]  %s %s/%s status=%s bytes=%d\n", e.Type, e.Device, e.ServiceUUID, e.CharUUID, e.Status, len(e.Data))
}

func (traceListener) OnNotification(e bleevent.NotificationEvent) {
	color.New(color.FgMagenta).Printf("[notify] %s %s/%s bytes=%d\n", e.Device, e.ServiceUUID, e.CharUUID, len(e.Data))
}

func (traceListener) OnBond(e bleevent.BondEvent) {
	color.New(color.FgBlue).Printf("[bond]   %s bonded=%v\n", e.Device, e.Bonded)
}

func (traceListener) OnDiscovery(e bleevent.DiscoveryEvent) {
	fmt.Printf("[scan]   %s %s\n", e.Device, e.Lifecycle)
}

func (traceListener) OnHistoricalDataLoaded(device, charUUID string) {
	fmt.Printf("[history] %s/%s loaded\n", device, charUUID)
}
