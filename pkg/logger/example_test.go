package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/webrtc-sfu/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("agent started", "workers", 4)
	log.Warn("trickle disabled, answer delayed until gathering completes")
	log.Error("peer creation failed", "error", "invalid offer")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugICE)
	cfg.EnableCategory(logger.DebugRTP)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// ICE debugging (only logged if DebugICE enabled)
	log.DebugICE("candidate gathered", "address", "10.0.0.1", "port", 40123)

	// RTP debugging (only logged if DebugRTP enabled)
	log.DebugRTPPacket(12345, 90000, 102, 1200)

	// Generic category logging
	log.DebugDTLS("handshake pending", "checks_left", 14)
	log.DebugFrame("keyframe delivered", "size", 15234)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/webrtc-sfu/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("sfu", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/sfu/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "sfu.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("sfu.json") // Cleanup

	log.Info("peer ready",
		"connection_id", "pc-12345",
		"selected_pair", "host",
		"setup_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"peer ready","connection_id":"pc-12345","selected_pair":"host","setup_ms":250}
}
