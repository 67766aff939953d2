// Package scrcpytunnel exposes a raw bidirectional byte tunnel to a
// device's scrcpy Unix-abstract socket, starting the on-device scrcpy
// server on demand.
package scrcpytunnel

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/adbhost"
	"github.com/adbproxy/adbproxy/internal/metricsx"
)

// ServerStartupWait is how long to let the on-device scrcpy server
// initialize before connecting to its abstract socket, matching the
// reference implementation's 2-second pause.
const ServerStartupWait = 2 * time.Second

// scrcpyServerCommand is the shell invocation that starts the on-device
// scrcpy server in tunnel_forward mode.
const scrcpyServerCommand = "shell:CLASSPATH=/data/local/tmp/scrcpy-server.jar app_process / com.genymobile.scrcpy.Server 3.3.1 tunnel_forward=true log_level=info"

// Tunnel lazily starts the on-device scrcpy server (one shell session per
// device at a time) and splices accepted TCP connections to
// "localabstract:scrcpy".
type Tunnel struct {
	HostADBAddr string
	DeviceID    string
	Metrics     *metricsx.DeviceMetrics
	Logger      zerolog.Logger

	// StartupWait overrides ServerStartupWait, for tests.
	StartupWait time.Duration

	mu      sync.Mutex
	started bool
}

// HandleConn ensures the on-device scrcpy server is running, connects to its
// abstract socket, and splices conn to it until either side closes.
func (t *Tunnel) HandleConn(conn net.Conn) {
	defer conn.Close()
	t.Metrics.ScrcpyConnection()

	t.ensureServerRunning()

	dest, err := adbhost.OpenService(t.HostADBAddr, t.DeviceID, "localabstract:scrcpy")
	if err != nil {
		t.Logger.Warn().Err(err).Msg("failed to connect to scrcpy socket")
		return
	}
	defer dest.Close()

	t.Logger.Info().Msg("scrcpy tunnel established")
	splice(conn, dest, t.Metrics)
}

// ensureServerRunning starts the on-device scrcpy server unless a previous
// call already did and its shell session is still alive, keeping the session
// alive in a background drain goroutine. If the start fails or the session
// later ends, the next call starts the server again.
func (t *Tunnel) ensureServerRunning() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	shell, err := adbhost.OpenService(t.HostADBAddr, t.DeviceID, scrcpyServerCommand)
	if err != nil {
		t.Logger.Warn().Err(err).Msg("failed to start scrcpy server")
		t.mu.Lock()
		t.started = false
		t.mu.Unlock()
		return
	}

	go t.keepServerAlive(shell)

	wait := t.StartupWait
	if wait == 0 {
		wait = ServerStartupWait
	}
	time.Sleep(wait)
}

// keepServerAlive drains the scrcpy server's shell stdout, logging any
// output, until the session ends.
func (t *Tunnel) keepServerAlive(shell net.Conn) {
	defer shell.Close()
	defer func() {
		t.mu.Lock()
		t.started = false
		t.mu.Unlock()
	}()

	r := bufio.NewReader(shell)
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			t.Logger.Debug().Str("output", string(buf[:n])).Msg("scrcpy server output")
		}
		if err != nil {
			if err != io.EOF {
				t.Logger.Debug().Err(err).Msg("scrcpy server session ended")
			}
			return
		}
	}
}

// splice copies bytes bidirectionally between a and b until either
// direction ends, then closes both to unblock the other. Callers may close
// a and b again afterwards; that is a no-op.
func splice(a, b net.Conn, m *metricsx.DeviceMetrics) {
	done := make(chan struct{}, 2)
	go func() { copyCounted(b, a, m); done <- struct{}{} }()
	go func() { copyCounted(a, b, m); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
	<-done
}

func copyCounted(dst io.Writer, src io.Reader, m *metricsx.DeviceMetrics) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			m.ScrcpyBytes(n)
		}
		if err != nil {
			return
		}
	}
}
