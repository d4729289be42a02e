package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel   string
	LogFormat  string
	LogFile    string
	DebugICE   bool
	DebugDTLS  bool
	DebugSRTP  bool
	DebugRTP   bool
	DebugSDP   bool
	DebugFrame bool
	DebugAll   bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugICE, "debug-ice", false,
		"Enable ICE debugging (candidates, pair selection, component state)")
	fs.BoolVar(&f.DebugDTLS, "debug-dtls", false,
		"Enable DTLS debugging (handshake progress, timeout checks, key export)")
	fs.BoolVar(&f.DebugSRTP, "debug-srtp", false,
		"Enable SRTP debugging (protect/unprotect failures, replay drops)")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugSDP, "debug-sdp", false,
		"Enable SDP debugging (offer/answer bodies, format negotiation)")
	fs.BoolVar(&f.DebugFrame, "debug-frame", false,
		"Enable frame pipeline debugging (fan-out, keyframe requests)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugICE {
			cfg.EnableCategory(DebugICE)
			cfg.Level = LevelDebug
		}
		if f.DebugDTLS {
			cfg.EnableCategory(DebugDTLS)
			cfg.Level = LevelDebug
		}
		if f.DebugSRTP {
			cfg.EnableCategory(DebugSRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugSDP {
			cfg.EnableCategory(DebugSDP)
			cfg.Level = LevelDebug
		}
		if f.DebugFrame {
			cfg.EnableCategory(DebugFrame)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugICE {
			debugCategories = append(debugCategories, "ice")
		}
		if f.DebugDTLS {
			debugCategories = append(debugCategories, "dtls")
		}
		if f.DebugSRTP {
			debugCategories = append(debugCategories, "srtp")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugSDP {
			debugCategories = append(debugCategories, "sdp")
		}
		if f.DebugFrame {
			debugCategories = append(debugCategories, "frame")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
