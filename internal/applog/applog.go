// Package applog constructs the process zerolog.Logger and its optional
// insecure debug HTTP server, following the teacher's configureLogging /
// INSECURE_DEBUG_SERVER_ADDR conventions.
package applog

import (
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/config"
	"github.com/adbproxy/adbproxy/internal/framemonitor"
)

// New builds the process logger per c: a level-filtered console writer to
// stdout, optionally pretty-printed, plus an optional reopenable file sink.
// reopen, if non-nil, should be called on SIGHUP to reopen the log file
// (e.g. after logrotate).
func New(c config.Config) (logger zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer
	if c.LogStdoutPretty {
		outputs = append(outputs, levelWriter{zerolog.ConsoleWriter{Out: os.Stdout}, c.LogLevel})
	} else {
		outputs = append(outputs, levelWriter{os.Stdout, c.LogLevel})
	}

	if c.LogFile != "" {
		w := &reopenableFile{path: c.LogFile}
		if ferr := w.reopen(); ferr != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("applog: open log file: %w", ferr)
		}
		outputs = append(outputs, levelWriter{w, c.LogLevel})
		reopen = func() { w.reopen() }
	}

	logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).Level(c.LogLevel).With().Timestamp().Logger()
	return logger, reopen, nil
}

// levelWriter drops log lines below level, matching the teacher's per-output
// level filtering (each output may have a stricter level than the logger's
// own global level).
type levelWriter struct {
	io.Writer
	level zerolog.Level
}

func (w levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.level {
		return len(p), nil
	}
	return w.Writer.Write(p)
}

// reopenableFile is an io.Writer over an appended log file that can be
// closed and reopened (e.g. after external log rotation), guarded by a
// mutex since zerolog may write from multiple goroutines concurrently.
type reopenableFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func (w *reopenableFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, fmt.Errorf("applog: log file %q not open", w.path)
	}
	return w.f.Write(p)
}

func (w *reopenableFile) reopen() error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// DebugServer returns an http.Handler exposing pprof, the metrics registry's
// Prometheus text exposition, and (if mon is non-nil) a live frame monitor at
// /monitor, for use behind --debug-addr. It is never bound by default;
// callers must explicitly ListenAndServe it.
func DebugServer(set *metrics.Set, mon *framemonitor.Monitor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		set.WritePrometheus(w)
	})
	if mon != nil {
		mux.Handle("/monitor", framemonitor.DebugHandler(mon))
	}
	return mux
}
