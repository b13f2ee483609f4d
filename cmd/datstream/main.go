// ABOUTME: Entry point for the datstream delay server
// ABOUTME: Parses CLI flags and the optional YAML config, then runs the server
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harperreed/datstream/internal/config"
	"github.com/harperreed/datstream/internal/discovery"
	"github.com/harperreed/datstream/internal/server"
	"github.com/harperreed/datstream/internal/version"
	"github.com/harperreed/datstream/pkg/audio"
)

var (
	configFile     = flag.String("config", "", "YAML config file")
	input          = flag.String("input", "-", "Producer: '-' for raw PCM on stdin, 'tone', an .mp3/.flac/.wav file or an http(s) URL")
	sampleRate     = flag.Int("sample-rate", config.DefaultSampleRate, "Sample rate in Hz")
	maxOffset      = flag.Int("max-offset-seconds", config.DefaultMaxOffsetSeconds, "Largest delay any target may request, in seconds")
	maxOutputs     = flag.Int("max-outputs", config.DefaultMaxOutputs, "Maximum simultaneous consumers")
	backlogBatches = flag.Int("backlog-batches", config.DefaultBacklogBatches, "Batches queued per consumer before it is dropped")
	name           = flag.String("name", "", "Server friendly name (default: hostname-datstream)")
	logFile        = flag.String("log-file", "datstream.log", "Log file path (empty to log to stderr only)")
	debug          = flag.Bool("debug", false, "Enable debug logging")
	noMDNS         = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	useTUI         = flag.Bool("tui", false, "Show the status TUI on stderr")
	browse         = flag.Bool("browse", false, "List datstream outputs on the local network and exit")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <target> [<target> ...]\n\n", os.Args[0])
	fmt.Fprintf(out, "Re-streams live PCM audio to consumers, each delayed by a fixed amount.\n\n")
	fmt.Fprintf(out, "Targets:\n")
	fmt.Fprintf(out, "  [tcp:]<port>[:<delay>]  raw WAVE stream over TCP\n")
	fmt.Fprintf(out, "  ws:<port>[:<delay>]     WAVE stream as binary WebSocket messages at %s\n", server.StreamPath)
	fmt.Fprintf(out, "  stdout[:<delay>]        pass-through to standard output\n")
	fmt.Fprintf(out, "Delays are in samples (48000 = 1s at 48kHz).\n\n")
	fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *browse {
		runBrowse()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Set up logging. stdout may carry audio, so the console side is stderr.
	var console io.Writer = os.Stderr
	if *useTUI {
		console = io.Discard
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(console, f))
	} else {
		log.SetOutput(console)
	}

	targets, problems, err := cfg.ResolveTargets()
	for _, p := range problems {
		log.Printf("Target problem: %v", p)
	}
	if err != nil {
		if errors.Is(err, config.ErrNoTargets) {
			flag.Usage()
		}
		log.Printf("Cannot start: %v", err)
		os.Exit(1)
	}

	serverName := cfg.Name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-datstream", hostname)
	}

	log.Printf("Starting %s: %s", version.String(), serverName)
	if cfg.Debug {
		log.Printf("Debug logging enabled")
	}
	if cfg.LogFile != "" {
		log.Printf("Logging to: %s", cfg.LogFile)
	}
	for _, t := range targets {
		log.Printf("Target %s", t)
	}

	srv := server.New(server.Config{
		Name:           serverName,
		Input:          cfg.Input,
		Format:         audio.DAT(cfg.SampleRate),
		Targets:        targets,
		CapacityUnits:  cfg.CapacityUnits(),
		BatchUnits:     cfg.BatchUnits(),
		MaxOutputs:     cfg.MaxOutputs,
		BacklogBatches: cfg.BacklogBatches,
		EnableMDNS:     cfg.MDNSEnabled(),
		Debug:          cfg.Debug,
		UseTUI:         *useTUI,
	})

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received %v signal, shutting down gracefully...", sig)
		srv.Stop()
	}()

	// SIGPIPE on the stdout target is handled as a write error
	signal.Ignore(syscall.SIGPIPE)

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Printf("Server stopped")
}

// loadConfig merges the YAML file, then explicitly set flags, then
// positional targets
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input = *input
		case "sample-rate":
			cfg.SampleRate = *sampleRate
		case "max-offset-seconds":
			cfg.MaxOffsetSeconds = *maxOffset
		case "max-outputs":
			cfg.MaxOutputs = *maxOutputs
		case "backlog-batches":
			cfg.BacklogBatches = *backlogBatches
		case "name":
			cfg.Name = *name
		case "log-file":
			cfg.LogFile = *logFile
		case "debug":
			cfg.Debug = *debug
		case "no-mdns":
			enabled := !*noMDNS
			cfg.MDNS = &enabled
		}
	})

	cfg.Targets = append(cfg.Targets, flag.Args()...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runBrowse() {
	mgr := discovery.NewManager(discovery.Config{})
	if err := mgr.Browse(); err != nil {
		log.Fatalf("Browse failed: %v", err)
	}

	seen := make(map[string]bool)
	timeout := time.After(5 * time.Second)

	fmt.Println("Searching for datstream outputs...")
	for {
		select {
		case info, ok := <-mgr.Servers():
			if !ok {
				return
			}
			key := fmt.Sprintf("%s:%d", info.Host, info.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Printf("  %-40s %s://%s delay=%d\n", info.Name, info.Proto, key, info.Delay)
		case <-timeout:
			mgr.Stop()
			return
		}
	}
}
