// Package framemonitor broadcasts decoded ADB frames to subscribers for a
// live debug view, the same fan-out-channel-set idiom the teacher uses for
// its connectionless-packet monitor.
package framemonitor

import (
	"sync"
	"time"
)

// Event describes one frame crossing a device proxy, in either direction.
type Event struct {
	Time     time.Time
	DeviceID string
	In       bool // true if received from the peer, false if sent to it
	Command  string
	Arg0     uint32
	Arg1     uint32
	Length   int
}

// Monitor is a broadcast hub: Publish fans an Event out to every current
// Subscribe channel, dropping it for any subscriber that isn't keeping up.
type Monitor struct {
	mu   sync.Mutex
	subs map[chan<- Event]struct{}
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[chan<- Event]struct{})}
}

// Publish fans out ev to every current subscriber. m may be nil, in which
// case Publish is a no-op (monitor is optional, wired only behind --debug-addr).
func (m *Monitor) Publish(ev Event) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.subs {
		select {
		case c <- ev:
		default:
		}
	}
}

// Subscribe registers c to receive Events until stop is called.
func (m *Monitor) Subscribe(c chan<- Event) (stop func()) {
	m.mu.Lock()
	m.subs[c] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, c)
			m.mu.Unlock()
		})
	}
}
