// Package metricsx instruments the device proxy and scrcpy tunnel with
// github.com/VictoriaMetrics/metrics counters, in the
// *metrics.Set + GetOrCreateCounter idiom used throughout the teacher
// codebase's pkg/api/api0/metrics.go.
package metricsx

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Registry holds the process-wide metric set that every device's counters
// are registered in.
type Registry struct {
	Set *metrics.Set
}

// NewRegistry creates a Registry backed by a fresh metric set.
func NewRegistry() *Registry {
	return &Registry{Set: metrics.NewSet()}
}

// DeviceMetrics holds the counters for one device's listeners.
type DeviceMetrics struct {
	set      *metrics.Set
	deviceID string

	framesSentTotal     map[string]*metrics.Counter
	framesReceivedTotal map[string]*metrics.Counter
	bytesSentTotal      map[string]*metrics.Counter
	bytesReceivedTotal  map[string]*metrics.Counter

	streamsOpenedTotal *metrics.Counter
	streamsClosedTotal *metrics.Counter
	openRejectedTotal  *metrics.Counter

	scrcpyConnectionsTotal *metrics.Counter
	scrcpyBytesTotal       *metrics.Counter
}

// ForDevice returns a new metrics handle for deviceID; handles for the same
// device resolve to the same counters in r.Set. r may be nil, in which case
// ForDevice returns nil and every method on the result is a safe no-op (the
// methods check for a nil receiver themselves).
func (r *Registry) ForDevice(deviceID string) *DeviceMetrics {
	if r == nil {
		return nil
	}
	return &DeviceMetrics{
		set:                 r.Set,
		deviceID:            deviceID,
		framesSentTotal:     make(map[string]*metrics.Counter),
		framesReceivedTotal: make(map[string]*metrics.Counter),
		bytesSentTotal:      make(map[string]*metrics.Counter),
		bytesReceivedTotal:  make(map[string]*metrics.Counter),
	}
}

func (m *DeviceMetrics) counter(cache map[string]*metrics.Counter, name, cmd string) *metrics.Counter {
	if c, ok := cache[cmd]; ok {
		return c
	}
	c := m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_%s{device_id=%q,cmd=%q}`, name, m.deviceID, cmd))
	cache[cmd] = c
	return c
}

// cmdStringer avoids importing adbwire here, keeping metricsx dependency-free
// of the wire layer; callers pass the command's String().
type cmdStringer interface{ String() string }

// FrameSent records one outbound frame of the given command and payload size.
func (m *DeviceMetrics) FrameSent(cmd cmdStringer, payloadLen int) {
	if m == nil {
		return
	}
	c := cmd.String()
	m.counter(m.framesSentTotal, "frames_sent_total", c).Inc()
	m.counter(m.bytesSentTotal, "bytes_sent_total", c).Add(payloadLen)
}

// FrameReceived records one inbound frame of the given command and payload size.
func (m *DeviceMetrics) FrameReceived(cmd cmdStringer, payloadLen int) {
	if m == nil {
		return
	}
	c := cmd.String()
	m.counter(m.framesReceivedTotal, "frames_received_total", c).Inc()
	m.counter(m.bytesReceivedTotal, "bytes_received_total", c).Add(payloadLen)
}

// StreamOpened records a successfully opened stream.
func (m *DeviceMetrics) StreamOpened() {
	if m == nil {
		return
	}
	if m.streamsOpenedTotal == nil {
		m.streamsOpenedTotal = m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_streams_opened_total{device_id=%q}`, m.deviceID))
	}
	m.streamsOpenedTotal.Inc()
}

// StreamClosed records a stream closing, from any cause.
func (m *DeviceMetrics) StreamClosed() {
	if m == nil {
		return
	}
	if m.streamsClosedTotal == nil {
		m.streamsClosedTotal = m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_streams_closed_total{device_id=%q}`, m.deviceID))
	}
	m.streamsClosedTotal.Inc()
}

// OpenRejected records an OPEN rejected because the outbound service
// connection could not be established.
func (m *DeviceMetrics) OpenRejected() {
	if m == nil {
		return
	}
	if m.openRejectedTotal == nil {
		m.openRejectedTotal = m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_open_rejected_total{device_id=%q}`, m.deviceID))
	}
	m.openRejectedTotal.Inc()
}

// ScrcpyConnection records one accepted scrcpy tunnel connection.
func (m *DeviceMetrics) ScrcpyConnection() {
	if m == nil {
		return
	}
	if m.scrcpyConnectionsTotal == nil {
		m.scrcpyConnectionsTotal = m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_scrcpy_connections_total{device_id=%q}`, m.deviceID))
	}
	m.scrcpyConnectionsTotal.Inc()
}

// ScrcpyBytes records n bytes spliced through the scrcpy tunnel.
func (m *DeviceMetrics) ScrcpyBytes(n int) {
	if m == nil {
		return
	}
	if m.scrcpyBytesTotal == nil {
		m.scrcpyBytesTotal = m.set.GetOrCreateCounter(fmt.Sprintf(`adbproxy_scrcpy_bytes_total{device_id=%q}`, m.deviceID))
	}
	m.scrcpyBytesTotal.Add(n)
}
