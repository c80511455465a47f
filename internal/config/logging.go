package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelSignal sits below Debug and is used for per-scan tracing: one
// log line per accepted RawScan/DeviceSignal, too high-volume for
// Debug but occasionally needed to diagnose a misbehaving scanner.
const LevelSignal = slog.Level(-8)

// LevelWire sits below LevelSignal and traces every inbound MQTT
// message (its topic and payload size) before it is decoded.
const LevelWire = slog.Level(-12)

// ParseLogLevel converts a string to a slog.Level.
// Supported values: wire, signal, debug, info, warn, error (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "wire":
		return LevelWire, nil
	case "signal":
		return LevelSignal, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: wire, signal, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames customizes the level name for roomd's two
// custom levels below Debug, since slog's default formatter only
// knows the four standard names.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok {
			switch level {
			case LevelSignal:
				a.Value = slog.StringValue("SIGNAL")
			case LevelWire:
				a.Value = slog.StringValue("WIRE")
			}
		}
	}
	return a
}
