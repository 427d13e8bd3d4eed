// Command obd-scan is a manual tool that lists nearby OBD adapters.
// Use it to find the name or address to put in the obd-shell config.
//
// Usage:
//
//	go run ./cmd/obd-scan [--timeout 10s] [--transport ble|serial]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/chaz8081/obd-shell/internal/link"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "how long to scan")
	transport := flag.String("transport", "ble", "transport to scan: ble or serial")
	flag.Parse()

	var adapter link.Adapter
	switch *transport {
	case "ble":
		adapter = link.NewBluetoothAdapter()
	case "serial":
		adapter = link.NewSerialAdapter(link.SerialOptions{})
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown transport %q\n", *transport)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Scanning %s for %s...\n", *transport, *timeout)
	devices, err := link.ScanForDevices(ctx, adapter, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if len(devices) == 0 {
		fmt.Println("No devices found.")
		return
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	fmt.Printf("\nFound %d device(s):\n", len(devices))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unnamed)"
		}
		if *transport == "ble" {
			fmt.Printf("  %-24s %s  RSSI %d\n", name, d.Address, d.RSSI)
		} else {
			fmt.Printf("  %s\n", d.Address)
		}
	}
}
