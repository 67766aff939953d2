// Package deviceproxy implements one ADB device-proxy connection: the CNXN
// handshake, the inbound frame dispatch loop, the stream table, and the
// single writer goroutine that serializes outbound frames.
package deviceproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/adbhost"
	"github.com/adbproxy/adbproxy/internal/adbwire"
	"github.com/adbproxy/adbproxy/internal/framemonitor"
	"github.com/adbproxy/adbproxy/internal/metricsx"
	"github.com/adbproxy/adbproxy/internal/streammux"
)

// Options configures a DeviceProxy.
type Options struct {
	HostADBAddr  string
	MaxPayload   uint32
	ValidateCRC  bool
	ShellEOFPoll bool
	Metrics      *metricsx.DeviceMetrics // may be nil
	Monitor      *framemonitor.Monitor   // may be nil
}

// DeviceProxy handles a single inbound peer connection, impersonating
// deviceID to that peer. Each accepted connection gets its own DeviceProxy;
// proxies never share state.
type DeviceProxy struct {
	peer     net.Conn
	deviceID string
	opts     Options
	logger   zerolog.Logger

	writeQueue chan adbwire.Message
	quit       chan struct{} // closed by shutdown; writeQueue is never closed (see writerLoop)
	writerDone chan struct{}
	writerErr  error

	mu           sync.Mutex
	streams      map[uint32]*streammux.Stream // remote_id -> Stream
	nextRemoteID uint32
	closed       bool
}

// New creates a DeviceProxy for an already-accepted peer connection.
func New(peer net.Conn, deviceID string, opts Options, logger zerolog.Logger) *DeviceProxy {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = adbwire.MaxPayload
	}
	return &DeviceProxy{
		peer:         peer,
		deviceID:     deviceID,
		opts:         opts,
		logger:       logger.With().Str("device_id", deviceID).Logger(),
		writeQueue:   make(chan adbwire.Message, 64),
		quit:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		streams:      make(map[uint32]*streammux.Stream),
		nextRemoteID: 1,
	}
}

// SendFrame enqueues an outbound frame; it satisfies streammux.PeerLink so
// every Stream shares this proxy's single writer goroutine.
func (p *DeviceProxy) SendFrame(cmd adbwire.Command, arg0, arg1 uint32, payload []byte) error {
	select {
	case p.writeQueue <- adbwire.Message{Command: cmd, Arg0: arg0, Arg1: arg1, Payload: payload}:
		return nil
	case <-p.writerDone:
		return p.writerErrOrClosed()
	}
}

func (p *DeviceProxy) writerErrOrClosed() error {
	if p.writerErr != nil {
		return p.writerErr
	}
	return errors.New("deviceproxy: writer stopped")
}

// writerLoop is the single goroutine permitted to write to the peer
// connection, serializing frames from the dispatch loop and every stream's
// pump task. It selects on p.quit rather than ranging over p.writeQueue, and
// p.writeQueue is never closed: a pump goroutine racing shutdown() may still
// be blocked trying to send on it, and closing a channel a concurrent
// goroutine might send on panics the process (see other_examples's
// xtaci/smux Session, which abandons its writes channel the same way instead
// of closing it).
func (p *DeviceProxy) writerLoop() {
	defer close(p.writerDone)
	for {
		select {
		case msg := <-p.writeQueue:
			buf := adbwire.Encode(msg.Command, msg.Arg0, msg.Arg1, msg.Payload)
			if _, err := p.peer.Write(buf); err != nil {
				p.writerErr = fmt.Errorf("deviceproxy: write %s: %w", msg.Command, err)
				return
			}
			p.opts.Metrics.FrameSent(msg.Command, len(msg.Payload))
			p.opts.Monitor.Publish(framemonitor.Event{
				Time:     time.Now(),
				DeviceID: p.deviceID,
				In:       false,
				Command:  msg.Command.String(),
				Arg0:     msg.Arg0,
				Arg1:     msg.Arg1,
				Length:   len(msg.Payload),
			})
		case <-p.quit:
			return
		}
	}
}

// Run performs the CNXN handshake and then dispatches inbound frames until
// the peer connection closes or a decode error occurs. It
// always closes every open stream and the peer connection before returning.
func (p *DeviceProxy) Run() error {
	go p.writerLoop()
	defer p.shutdown()

	if err := p.handshake(); err != nil {
		return err
	}

	for {
		msg, err := adbwire.Decode(p.peer)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("deviceproxy: decode frame: %w", err)
		}
		p.opts.Metrics.FrameReceived(msg.Command, len(msg.Payload))
		p.opts.Monitor.Publish(framemonitor.Event{
			Time:     time.Now(),
			DeviceID: p.deviceID,
			In:       true,
			Command:  msg.Command.String(),
			Arg0:     msg.Arg0,
			Arg1:     msg.Arg1,
			Length:   len(msg.Payload),
		})
		if p.opts.ValidateCRC && !msg.ValidCRC() {
			p.logger.Warn().Str("cmd", msg.Command.String()).Msg("dropping frame with invalid CRC")
			continue
		}
		if err := p.dispatch(msg); err != nil {
			return err
		}
	}
}

func (p *DeviceProxy) handshake() error {
	msg, err := adbwire.Decode(p.peer)
	if err != nil {
		return fmt.Errorf("deviceproxy: read handshake: %w", err)
	}
	if msg.Command != adbwire.CmdCNXN {
		return fmt.Errorf("deviceproxy: %w: got %s", adbwire.ErrExpectedCNXN, msg.Command)
	}

	banner := "device::proxy_" + p.deviceID + "\x00"
	if err := p.SendFrame(adbwire.CmdCNXN, adbwire.ProtocolVersion, p.opts.MaxPayload, []byte(banner)); err != nil {
		return fmt.Errorf("deviceproxy: send CNXN: %w", err)
	}
	return nil
}

// dispatch handles one inbound message per the OPEN/WRTE/OKAY/CLSE table in
// the specification.
func (p *DeviceProxy) dispatch(msg adbwire.Message) error {
	switch msg.Command {
	case adbwire.CmdOPEN:
		p.handleOpen(msg.Arg0, msg.Payload)
	case adbwire.CmdWRTE:
		if s := p.lookup(msg.Arg1); s != nil {
			s.AcceptWrite(msg.Payload)
		}
	case adbwire.CmdOKAY:
		if s := p.lookup(msg.Arg1); s != nil {
			s.GrantCredit()
		}
	case adbwire.CmdCLSE:
		p.handleClose(msg.Arg0, msg.Arg1)
	default:
		p.logger.Debug().Str("cmd", msg.Command.String()).Msg("ignoring unrecognized command")
	}
	return nil
}

func (p *DeviceProxy) handleOpen(localID uint32, payload []byte) {
	destination := string(bytes.TrimRight(payload, "\x00"))

	p.mu.Lock()
	remoteID := p.nextRemoteID
	p.nextRemoteID++
	p.mu.Unlock()

	slog := p.logger.With().Str("destination", destination).Uint32("local_id", localID).Uint32("remote_id", remoteID).Logger()
	slog.Info().Msg("opening stream")

	outbound, err := adbhost.OpenService(p.opts.HostADBAddr, p.deviceID, destination)
	if err != nil {
		slog.Warn().Err(err).Msg("failed to open outbound service")
		p.opts.Metrics.OpenRejected()
		p.SendFrame(adbwire.CmdCLSE, localID, 0, nil)
		return
	}

	s := streammux.New(destination, localID, remoteID, outbound, p, streammux.Options{
		MaxPayload:   p.opts.MaxPayload,
		ShellEOFPoll: p.opts.ShellEOFPoll,
	}, p.logger)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.Close()
		return
	}
	p.streams[remoteID] = s
	p.mu.Unlock()

	p.opts.Metrics.StreamOpened()
	if err := p.SendFrame(adbwire.CmdOKAY, remoteID, localID, nil); err != nil {
		slog.Debug().Err(err).Msg("send OKAY failed")
	}
}

func (p *DeviceProxy) handleClose(localID, remoteID uint32) {
	p.mu.Lock()
	s, ok := p.streams[remoteID]
	if ok {
		delete(p.streams, remoteID)
	}
	p.mu.Unlock()

	if !ok {
		p.SendFrame(adbwire.CmdCLSE, localID, 0, nil)
		return
	}
	s.Close()
	p.opts.Metrics.StreamClosed()
}

func (p *DeviceProxy) lookup(remoteID uint32) *streammux.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[remoteID]
}

// shutdown closes every open stream and the peer connection, then stops the
// writer goroutine. It is safe to call multiple times.
func (p *DeviceProxy) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	streams := make([]*streammux.Stream, 0, len(p.streams))
	for id, s := range p.streams {
		streams = append(streams, s)
		delete(p.streams, id)
	}
	p.mu.Unlock()

	for _, s := range streams {
		s.Close()
		p.opts.Metrics.StreamClosed()
	}

	p.peer.Close()
	close(p.quit)
	<-p.writerDone
}
