package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/hpasystem/internal/ble"
	"github.com/chaz8081/hpasystem/internal/config"
)

const opTimeout = 5 * time.Second

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/hpasystem/config.yaml)")
	autoConnect := flag.String("connect", "", "connect to the first peripheral with this name")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Wrote default config to %s", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *autoConnect != "" {
		cfg.Session.AutoConnect = *autoConnect
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))

	printBanner(cfg)

	codec, err := cfg.Codec()
	if err != nil {
		log.Fatalf("codec: %v", err)
	}
	adapter, err := cfg.NewAdapter()
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", cfg.Backend, err)
	}
	manager, err := ble.NewManager(adapter, codec, cfg.ManagerOptions())
	if err != nil {
		closeBackend(adapter)
		log.Fatalf("session manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- manager.Run(ctx) }()

	snaps, unsubscribe := manager.Subscribe()
	go watchSnapshots(snaps)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go readLines(lines)

	log.Println("Ready! Type help for commands. Ctrl+C to quit.")

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				log.Println("Input closed, shutting down...")
				shutdown(cancel, unsubscribe, runErr, adapter)
				return
			}
			if quit := execute(manager, line); quit {
				shutdown(cancel, unsubscribe, runErr, adapter)
				return
			}

		case err := <-runErr:
			unsubscribe()
			closeBackend(adapter)
			log.Fatalf("session manager stopped: %v", err)

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			shutdown(cancel, unsubscribe, runErr, adapter)
			return
		}
	}
}

// execute runs one console line and reports whether the user asked to quit.
func execute(manager *ble.Manager, line string) bool {
	cmd, err := parseCommand(line)
	if errors.Is(err, errEmptyCommand) {
		return false
	}
	if err != nil {
		fmt.Println(err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch cmd.name {
	case "help":
		fmt.Println(helpText)
	case "list":
		fmt.Println(formatList(manager.Snapshot()))
	case "status":
		fmt.Println(formatStatus(manager.Snapshot()))
	case "connect":
		id, err := resolveTarget(manager.Snapshot(), cmd.target)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := manager.Connect(ctx, id); err != nil {
			log.Printf("ERROR: connect: %v", err)
		}
	case "disconnect":
		if err := manager.Disconnect(ctx); err != nil {
			log.Printf("ERROR: disconnect: %v", err)
		}
	case "send":
		if err := manager.Send(ctx, cmd.values...); err != nil {
			log.Printf("ERROR: send: %v", err)
		}
	case "quit":
		return true
	}
	return false
}

// watchSnapshots prints state changes until the subscription closes.
func watchSnapshots(snaps <-chan ble.Snapshot) {
	var prev ble.Snapshot
	for s := range snaps {
		for _, line := range changes(prev, s) {
			log.Println(line)
		}
		prev = s
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func shutdown(cancel context.CancelFunc, unsubscribe func(), runErr <-chan error, adapter ble.Adapter) {
	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			log.Printf("ERROR: session manager: %v", err)
		}
	case <-time.After(opTimeout):
		log.Println("Session manager did not stop in time")
	}
	unsubscribe()
	closeBackend(adapter)
	log.Println("Goodbye!")
}

// closeBackend releases the platform adapter, logging any failure.
func closeBackend(adapter io.Closer) {
	if err := adapter.Close(); err != nil {
		log.Printf("ERROR: closing backend: %v", err)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== hpasystem ===")
	fmt.Printf("  Backend: %s\n", cfg.Backend)
	fmt.Printf("  Codec:   %s\n", cfg.Protocol.Codec)
	fmt.Printf("  Timeout: %s\n", cfg.Session.ConnectTimeout)
	if cfg.Session.TargetCharacteristic != "" {
		fmt.Printf("  Target:  %s\n", cfg.Session.TargetCharacteristic)
	}
	if cfg.Session.AutoConnect != "" {
		fmt.Printf("  Auto:    %s\n", cfg.Session.AutoConnect)
	}
	fmt.Printf("  Send:    %g/s (burst %d)\n", cfg.Send.RateHz, cfg.Send.Burst)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
