// Package supervisor enumerates attached devices, binds one ADB listener
// and one scrcpy-tunnel listener per device, and dispatches accepted
// connections to independent device proxies.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/adbhost"
	"github.com/adbproxy/adbproxy/internal/config"
	"github.com/adbproxy/adbproxy/internal/deviceproxy"
	"github.com/adbproxy/adbproxy/internal/framemonitor"
	"github.com/adbproxy/adbproxy/internal/metricsx"
	"github.com/adbproxy/adbproxy/internal/scrcpytunnel"
)

// Supervisor owns the process's listeners: one ADB proxy port and one
// scrcpy tunnel port per enumerated device.
type Supervisor struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *metricsx.Registry
	monitor  *framemonitor.Monitor

	mu        sync.Mutex
	listeners []net.Listener
}

// New creates a Supervisor. registry and monitor may be nil to disable
// metrics and the live frame monitor, respectively.
func New(cfg config.Config, logger zerolog.Logger, registry *metricsx.Registry, monitor *framemonitor.Monitor) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger, registry: registry, monitor: monitor}
}

// DeviceBinding describes one device's assigned ports, for the startup
// banner.
type DeviceBinding struct {
	DeviceID   string
	ADBPort    int
	ScrcpyPort int
}

// Run enumerates devices via host:devices, binds their listener pairs, and
// returns their bindings once every listener is bound. The listeners keep
// serving in the background until ctx is canceled, which closes every
// listener. It returns an error if device enumeration or any bind fails.
func (s *Supervisor) Run(ctx context.Context) ([]DeviceBinding, error) {
	devices, err := adbhost.ListDevices(s.cfg.HostADBAddr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: enumerate devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("supervisor: no devices found at %s", s.cfg.HostADBAddr)
	}

	var bindings []DeviceBinding
	var wg sync.WaitGroup
	errCh := make(chan error, len(devices)*2)

	for i, deviceID := range devices {
		adbPort := s.cfg.ADBBasePort + i
		scrcpyPort := s.cfg.ScrcpyBasePort + i

		adbLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(adbPort)))
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("supervisor: bind ADB listener for %s on port %d: %w", deviceID, adbPort, err)
		}
		scrcpyLn, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(scrcpyPort)))
		if err != nil {
			adbLn.Close()
			s.closeAll()
			return nil, fmt.Errorf("supervisor: bind scrcpy listener for %s on port %d: %w", deviceID, scrcpyPort, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, adbLn, scrcpyLn)
		s.mu.Unlock()

		bindings = append(bindings, DeviceBinding{DeviceID: deviceID, ADBPort: adbPort, ScrcpyPort: scrcpyPort})

		dlog := s.logger.With().Str("device_id", deviceID).Logger()
		dm := s.registry.ForDevice(deviceID)

		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- s.serveADB(adbLn, deviceID, dm, dlog)
		}()
		go func() {
			defer wg.Done()
			errCh <- s.serveScrcpy(scrcpyLn, deviceID, dm, dlog)
		}()
	}

	go func() {
		<-ctx.Done()
		s.closeAll()
	}()

	go func() {
		wg.Wait()
		close(errCh)
	}()

	go func() {
		for err := range errCh {
			if err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("listener exited")
			}
		}
	}()

	return bindings, nil
}

func (s *Supervisor) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
}

func (s *Supervisor) serveADB(ln net.Listener, deviceID string, dm *metricsx.DeviceMetrics, logger zerolog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			p := deviceproxy.New(conn, deviceID, deviceproxy.Options{
				HostADBAddr:  s.cfg.HostADBAddr,
				ValidateCRC:  s.cfg.ValidateCRC,
				ShellEOFPoll: s.cfg.ShellEOFPoll,
				Metrics:      dm,
				Monitor:      s.monitor,
			}, logger)
			if err := p.Run(); err != nil {
				logger.Debug().Err(err).Msg("device proxy connection ended")
			}
		}()
	}
}

func (s *Supervisor) serveScrcpy(ln net.Listener, deviceID string, dm *metricsx.DeviceMetrics, logger zerolog.Logger) error {
	tun := &scrcpytunnel.Tunnel{
		HostADBAddr: s.cfg.HostADBAddr,
		DeviceID:    deviceID,
		Metrics:     dm,
		Logger:      logger,
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go tun.HandleConn(conn)
	}
}
