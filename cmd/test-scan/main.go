// Command test-scan is a manual test for a BLE backend. It scans for a few
// seconds and prints every named peripheral it sees. With --connect it then
// connects to the first one and prints decoded readings until Ctrl+C.
//
// Usage:
//
//	go run ./cmd/test-scan [--backend bluez|tinygo] [--seconds 5] [--connect]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/hpasystem/internal/ble"
	"github.com/chaz8081/hpasystem/internal/config"
)

func main() {
	cfg := config.Default()
	backend := flag.String("backend", cfg.Backend, "backend: bluez or tinygo")
	seconds := flag.Int("seconds", 5, "how long to scan")
	connect := flag.Bool("connect", false, "connect to the first peripheral found")
	flag.Parse()

	cfg.Backend = *backend
	cfg.Session.ConnectTimeout = 10 * time.Second
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	adapter, err := cfg.NewAdapter()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			fmt.Printf("Error: closing backend: %v\n", err)
		}
	}()

	codec, err := cfg.Codec()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	manager, err := ble.NewManager(adapter, codec, cfg.ManagerOptions())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go manager.Run(ctx)

	fmt.Printf("Scanning with %s backend for %ds...\n", cfg.Backend, *seconds)
	select {
	case <-time.After(time.Duration(*seconds) * time.Second):
	case <-ctx.Done():
		return
	}

	s := manager.Snapshot()
	fmt.Printf("Radio: %s, found %d peripherals\n", s.Radio, len(s.Peripherals))
	for i, p := range s.Peripherals {
		fmt.Printf("%2d. %-20s %s  service=%s\n", i+1, p.Name, p.ID, p.ServiceUUID)
	}
	if !*connect || len(s.Peripherals) == 0 {
		return
	}

	target := s.Peripherals[0]
	fmt.Printf("\nConnecting to %s...\n", target.Name)
	if err := manager.Connect(ctx, target.ID); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	snaps, cancel := manager.Subscribe()
	defer cancel()
	var lastErr, lastSummary string
	for snap := range snaps {
		if snap.Err != nil && snap.Err.Error() != lastErr {
			lastErr = snap.Err.Error()
			fmt.Printf("Error: %v\n", snap.Err)
		}
		if snap.Summary != "" && snap.Summary != lastSummary {
			lastSummary = snap.Summary
			fmt.Println(snap.Summary)
		}
	}
	fmt.Println("\nDone!")
}
