// Command adbproxy impersonates each attached device on its own ADB port,
// re-issuing every logical stream as a separate connection to the local ADB
// server, and tunnels scrcpy video/control traffic alongside it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adbproxy/adbproxy/internal/applog"
	"github.com/adbproxy/adbproxy/internal/config"
	"github.com/adbproxy/adbproxy/internal/framemonitor"
	"github.com/adbproxy/adbproxy/internal/metricsx"
	"github.com/adbproxy/adbproxy/internal/supervisor"
)

var opt struct {
	Help                 bool
	HostADBAddr          string
	ADBBasePort          int
	ScrcpyBasePort       int
	ShellEOFPoll         bool
	ShellEOFPollInterval time.Duration
	ValidateCRC          bool
	LogLevel             string
	LogStdoutPretty      bool
	LogFile              string
	DebugAddr            string
}

func init() {
	d := config.Default()
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.HostADBAddr, "host-adb-addr", d.HostADBAddr, "Address of the local ADB server to proxy")
	pflag.IntVar(&opt.ADBBasePort, "adb-base-port", d.ADBBasePort, "First ADB listener port; device i binds at base+i")
	pflag.IntVar(&opt.ScrcpyBasePort, "scrcpy-base-port", d.ScrcpyBasePort, "First scrcpy tunnel port; device i binds at base+i")
	pflag.BoolVar(&opt.ShellEOFPoll, "shell-eof-poll", d.ShellEOFPoll, "Poll rather than close on EOF from a shell: service")
	pflag.DurationVar(&opt.ShellEOFPollInterval, "shell-eof-poll-interval", d.ShellEOFPollInterval, "Pause between shell EOF polls")
	pflag.BoolVar(&opt.ValidateCRC, "validate-crc", d.ValidateCRC, "Drop inbound frames that fail CRC32 validation")
	pflag.StringVar(&opt.LogLevel, "log-level", d.LogLevel.String(), "Minimum log level (trace, debug, info, warn, error)")
	pflag.BoolVar(&opt.LogStdoutPretty, "log-stdout-pretty", false, "Use a human-readable console writer instead of JSON")
	pflag.StringVar(&opt.LogFile, "log-file", "", "Additionally log to this file, reopened on SIGHUP")
	pflag.StringVar(&opt.DebugAddr, "debug-addr", "", "Serve an insecure debug HTTP server (pprof + metrics) on this address")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		x, err := readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	c := config.Default()
	applyFlags(&c)
	c.ApplyEnv(e)

	logger, reopen, err := applog.New(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize logging: %v\n", err)
		os.Exit(1)
	}

	registry := metricsx.NewRegistry()
	monitor := framemonitor.NewMonitor()

	if c.DebugAddr != "" {
		logger.Warn().Str("addr", c.DebugAddr).Msg("running insecure debug server")
		go func() {
			if err := http.ListenAndServe(c.DebugAddr, applog.DebugServer(registry.Set, monitor)); err != nil {
				logger.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if reopen != nil {
		hch := make(chan os.Signal, 1)
		signal.Notify(hch, syscall.SIGHUP)
		go func() {
			for range hch {
				logger.Info().Msg("got SIGHUP, reopening log file")
				reopen()
			}
		}()
	}

	sup := supervisor.New(c, logger, registry, monitor)
	bindings, err := sup.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		os.Exit(1)
	}

	printBanner(bindings)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func applyFlags(c *config.Config) {
	c.HostADBAddr = opt.HostADBAddr
	c.ADBBasePort = opt.ADBBasePort
	c.ScrcpyBasePort = opt.ScrcpyBasePort
	c.ShellEOFPoll = opt.ShellEOFPoll
	c.ShellEOFPollInterval = opt.ShellEOFPollInterval
	c.ValidateCRC = opt.ValidateCRC
	if lvl, err := zerolog.ParseLevel(opt.LogLevel); err == nil {
		c.LogLevel = lvl
	}
	c.LogStdoutPretty = opt.LogStdoutPretty
	c.LogFile = opt.LogFile
	c.DebugAddr = opt.DebugAddr
}

// printBanner prints each device's assigned ports, matching the reference
// server's startup summary.
func printBanner(bindings []supervisor.DeviceBinding) {
	fmt.Println("adbproxy listening:")
	for _, b := range bindings {
		fmt.Printf("  %-20s adb=127.0.0.1:%d scrcpy=127.0.0.1:%d\n", b.DeviceID, b.ADBPort, b.ScrcpyPort)
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
