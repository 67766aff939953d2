// Package streammux implements one logical ADB stream: an outbound
// connection to a local host-ADB service, a send-credit gate enforcing
// ADB's at-most-one-in-flight-WRTE discipline, and a pump goroutine fanning
// bytes read from the outbound connection into WRTE frames on the peer
// link.
package streammux

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/adbwire"
)

// DefaultShellEOFPollInterval is the pause between retries after EOF on a
// "shell:" service, matching the reference implementation's 100ms.
const DefaultShellEOFPollInterval = 100 * time.Millisecond

// PeerLink is the narrow interface a Stream uses to emit frames back to the
// inbound peer connection. It is satisfied by the device proxy's writer
// queue, keeping Stream decoupled from the proxy's stream table.
type PeerLink interface {
	SendFrame(cmd adbwire.Command, arg0, arg1 uint32, payload []byte) error
}

// Options configures a Stream's behavior.
type Options struct {
	MaxPayload           uint32
	ShellEOFPoll         bool
	ShellEOFPollInterval time.Duration
}

// Stream owns one outbound service connection paired to one logical ADB
// stream. Name, LocalID, and RemoteID are immutable after construction.
type Stream struct {
	Name     string
	LocalID  uint32 // peer's id for this stream
	RemoteID uint32 // our id, allocated monotonically

	outbound net.Conn
	peer     PeerLink
	opts     Options
	logger   zerolog.Logger

	credit chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	closed    chan struct{} // closed exactly once Close has completed
}

// New creates a Stream over outbound, releases the starter send-credit unit,
// and starts its pump goroutine. The caller is expected to insert it into
// its stream table before any frames referencing remoteID can be routed.
func New(name string, localID, remoteID uint32, outbound net.Conn, peer PeerLink, opts Options, logger zerolog.Logger) *Stream {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = adbwire.MaxPayload
	}
	if opts.ShellEOFPollInterval == 0 {
		opts.ShellEOFPollInterval = DefaultShellEOFPollInterval
	}

	s := &Stream{
		Name:     name,
		LocalID:  localID,
		RemoteID: remoteID,
		outbound: outbound,
		peer:     peer,
		opts:     opts,
		logger:   logger.With().Str("stream", name).Uint32("remote_id", remoteID).Logger(),
		credit:   make(chan struct{}, 1<<16),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.credit <- struct{}{} // starter credit: first read may proceed before any peer OKAY
	go s.pump()
	return s
}

// isShellService reports whether this stream's destination names a shell
// service, for which EOF is treated as possibly spurious.
func (s *Stream) isShellService() bool {
	return strings.HasPrefix(s.Name, "shell:")
}

// AcceptWrite writes data to the outbound service connection and, on
// success, grants the peer one credit unit via an OKAY frame. Any I/O
// failure closes the stream.
func (s *Stream) AcceptWrite(data []byte) error {
	if _, err := s.outbound.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("write to outbound service failed")
		s.Close()
		return err
	}
	if err := s.peer.SendFrame(adbwire.CmdOKAY, s.RemoteID, s.LocalID, nil); err != nil {
		s.Close()
		return err
	}
	return nil
}

// GrantCredit adds one send-credit unit, corresponding to one peer OKAY.
func (s *Stream) GrantCredit() {
	select {
	case s.credit <- struct{}{}:
	default:
		// credit channel saturated; peer is granting far more OKAYs than we
		// could ever consume. Dropping the extra unit is safe since it only
		// withholds a WRTE the peer allowed, never sends one it did not.
	}
}

func (s *Stream) pump() {
	buf := make([]byte, s.opts.MaxPayload)
	for {
		select {
		case <-s.credit:
		case <-s.done:
			return
		}

		for {
			n, err := s.outbound.Read(buf)
			if n > 0 {
				if sendErr := s.peer.SendFrame(adbwire.CmdWRTE, s.RemoteID, s.LocalID, buf[:n]); sendErr != nil {
					s.logger.Debug().Err(sendErr).Msg("send WRTE failed")
					s.Close()
					return
				}
				break // re-acquire credit before the next read
			}
			if err != nil {
				if errors.Is(err, io.EOF) && s.isShellService() && s.opts.ShellEOFPoll {
					select {
					case <-time.After(s.opts.ShellEOFPollInterval):
					case <-s.done:
						return
					}
					continue // retry the read without consuming another credit unit
				}
				s.logger.Debug().Err(err).Msg("outbound service read ended")
				s.Close()
				return
			}
		}
	}
}

// Close is idempotent. It unblocks the pump, closes the outbound
// connection, and emits a CLSE frame on the peer link. Errors during this
// sequence are logged, never returned; close always completes.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		select {
		case s.credit <- struct{}{}: // unblock a pump waiting on credit
		default:
		}
		if err := s.outbound.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close outbound service connection")
		}
		if err := s.peer.SendFrame(adbwire.CmdCLSE, s.RemoteID, s.LocalID, nil); err != nil {
			s.logger.Debug().Err(err).Msg("send CLSE failed")
		}
		close(s.closed)
	})
}

// Closed returns a channel closed once Close has fully completed.
func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}
