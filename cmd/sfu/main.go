package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethan/webrtc-sfu/pkg/agent"
	"github.com/ethan/webrtc-sfu/pkg/config"
	"github.com/ethan/webrtc-sfu/pkg/logger"
)

func main() {
	// Parse command-line flags
	fs := flag.NewFlagSet("sfu", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "Path to the environment configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "WebRTC selective forwarding unit\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from flags
	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting WebRTC SFU engine", "log_config", logFlags.String())

	// Load configuration
	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded",
		"workers", cfg.Engine.NumWorkers,
		"local_ips", cfg.ICE.LocalIPs,
		"stun", cfg.ICE.StunURI)

	// Bring the media engine up
	eng := agent.New(log)
	if err := eng.Open(cfg.Engine.NumWorkers, cfg.ICE.LocalIPs, cfg.ICE.StunURI); err != nil {
		log.Error("failed to open agent", "error", err)
		os.Exit(1)
	}

	log.Info("engine running; waiting for signaling-driven peer admission")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())

	eng.Close()
	log.Info("engine stopped", "remaining_peers", eng.PeerCount())
}
