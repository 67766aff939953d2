// Package config holds the process-wide configuration for the adbproxy
// command: the host ADB endpoint, per-device listener base ports, and the
// logging/metrics/behavior toggles described in the CLI surface.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config is the fully-resolved process configuration, assumed initialized to
// default or flag-parsed values before use (as done by cmd/adbproxy).
type Config struct {
	// HostADBAddr is the local ADB server to proxy to, e.g. "localhost:5037".
	HostADBAddr string

	// ADBBasePort is the first ADB listener port; device i binds at
	// ADBBasePort+i.
	ADBBasePort int

	// ScrcpyBasePort is the first scrcpy tunnel port; device i binds at
	// ScrcpyBasePort+i.
	ScrcpyBasePort int

	// ShellEOFPoll preserves the reference's behavior of polling rather than
	// closing on EOF from a "shell:" service.
	ShellEOFPoll bool

	// ShellEOFPollInterval is the pause between polls.
	ShellEOFPollInterval time.Duration

	// ValidateCRC enables inbound CRC32 enforcement (off by default, to
	// match observed peer behavior; see spec §9).
	ValidateCRC bool

	// LogLevel is the minimum level logged to stdout and the log file.
	LogLevel zerolog.Level

	// LogStdoutPretty uses zerolog's human-readable console writer instead
	// of JSON.
	LogStdoutPretty bool

	// LogFile, if non-empty, additionally logs to this file, reopened on
	// SIGHUP (e.g. for logrotate).
	LogFile string

	// DebugAddr, if non-empty, serves an insecure debug HTTP server
	// (pprof + metrics) on this address. Disabled by default.
	DebugAddr string
}

// Default returns a Config with every field set to its documented default.
func Default() Config {
	return Config{
		HostADBAddr:           "localhost:5037",
		ADBBasePort:           6000,
		ScrcpyBasePort:        7000,
		ShellEOFPoll:          true,
		ShellEOFPollInterval:  100 * time.Millisecond,
		ValidateCRC:           false,
		LogLevel:              zerolog.InfoLevel,
	}
}

// ApplyEnv overrides c's fields from environment variable assignments in e
// (each entry "KEY=VALUE"), using ADBPROXY_* names that mirror the
// corresponding --flag, except that --debug-addr is read from
// ADBPROXY_INSECURE_DEBUG_SERVER_ADDR. Unrecognized or malformed entries are
// ignored.
func (c *Config) ApplyEnv(e []string) {
	get := func(k string) (string, bool) {
		for _, x := range e {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
		return "", false
	}

	if v, ok := get("ADBPROXY_HOST_ADB_ADDR"); ok {
		c.HostADBAddr = v
	}
	if v, ok := get("ADBPROXY_ADB_BASE_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.ADBBasePort = n
		}
	}
	if v, ok := get("ADBPROXY_SCRCPY_BASE_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.ScrcpyBasePort = n
		}
	}
	if v, ok := get("ADBPROXY_SHELL_EOF_POLL"); ok {
		c.ShellEOFPoll = parseBool(v, c.ShellEOFPoll)
	}
	if v, ok := get("ADBPROXY_VALIDATE_CRC"); ok {
		c.ValidateCRC = parseBool(v, c.ValidateCRC)
	}
	if v, ok := get("ADBPROXY_LOG_FILE"); ok {
		c.LogFile = v
	}
	if v, ok := get("ADBPROXY_INSECURE_DEBUG_SERVER_ADDR"); ok {
		c.DebugAddr = v
	}
}

func parseBool(s string, def bool) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return def
}
