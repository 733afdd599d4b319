// Command btserial runs a single-peer serial link over Bluetooth RFCOMM
// (BlueZ) or TCP.
//
// Prerequisites for the bluez transport
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - RegisterProfile usually needs root: run with sudo if needed.
//
// Modes
//
//	btserial --mode scan --timeout 15s
//	    List devices advertising the service UUID.
//	btserial --mode serve --name RobotController
//	    Register the service (RFCOMM channel 22 by default) and wait for
//	    one peer. Verify with `sdptool browse local`.
//	btserial --mode connect --device 00:11:22:33:44:55
//	    Dial a device by MAC or object path. Without --device, scan and
//	    choose interactively.
//
// Once connected, each stdin line is sent to the peer and received bytes
// are written to stdout. Ctrl-C stops.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "btserial: %v\n", err)
		os.Exit(1)
	}
}
