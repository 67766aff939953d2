package deviceproxy

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adbproxy/adbproxy/internal/adbwire"
)

// fakeHostADB starts a host-ADB-protocol TCP server that accepts every
// "host:transport:*" request and then hands service requests to accept,
// which returns whether to accept the service and the raw connection
// handler to run afterwards (if accepted).
func fakeHostADB(t *testing.T, accept func(service string) (ok bool, serve func(conn net.Conn))) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := readHostReq(conn); err != nil {
					return
				}
				io.WriteString(conn, "OKAY")

				service, err := readHostReq(conn)
				if err != nil {
					return
				}
				ok, serve := accept(service)
				if !ok {
					msg := "rejected"
					io.WriteString(conn, "FAIL"+fmt.Sprintf("%04x", len(msg))+msg)
					return
				}
				io.WriteString(conn, "OKAY")
				if serve != nil {
					serve(conn)
				}
			}()
		}
	}()

	return l.Addr().String()
}

func readHostReq(conn net.Conn) (string, error) {
	var lenHex [4]byte
	if _, err := io.ReadFull(conn, lenHex[:]); err != nil {
		return "", err
	}
	var n int
	if _, err := fmt.Sscanf(string(lenHex[:]), "%04x", &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	return string(buf), err
}

type harness struct {
	t      *testing.T
	client net.Conn
	done   chan error
}

func newHarness(t *testing.T, hostADBAddr, deviceID string) *harness {
	t.Helper()
	client, peer := net.Pipe()
	p := New(peer, deviceID, Options{HostADBAddr: hostADBAddr, ShellEOFPoll: true}, zerolog.Nop())

	h := &harness{t: t, client: client, done: make(chan error, 1)}
	go func() { h.done <- p.Run() }()
	return h
}

func (h *harness) send(cmd adbwire.Command, arg0, arg1 uint32, payload []byte) {
	h.t.Helper()
	if _, err := h.client.Write(adbwire.Encode(cmd, arg0, arg1, payload)); err != nil {
		h.t.Fatalf("write frame: %v", err)
	}
}

func (h *harness) recv() adbwire.Message {
	h.t.Helper()
	type result struct {
		msg adbwire.Message
		err error
	}
	c := make(chan result, 1)
	go func() {
		msg, err := adbwire.Decode(h.client)
		c <- result{msg, err}
	}()
	select {
	case r := <-c:
		if r.err != nil {
			h.t.Fatalf("decode frame: %v", r.err)
		}
		return r.msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for frame")
	}
	return adbwire.Message{}
}

func (h *harness) expectNoFrame(d time.Duration) {
	h.t.Helper()
	c := make(chan struct{})
	go func() {
		adbwire.Decode(h.client)
		close(c)
	}()
	select {
	case <-c:
		h.t.Fatal("received unexpected frame")
	case <-time.After(d):
	}
	// Stop the pending Decode so it cannot consume the next frame.
	h.client.SetReadDeadline(time.Now())
	<-c
	h.client.SetReadDeadline(time.Time{})
}

func (h *harness) close() {
	h.client.Close()
}

func TestHandshakeS1(t *testing.T) {
	h := newHarness(t, "127.0.0.1:1", "abc123")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))

	msg := h.recv()
	if msg.Command != adbwire.CmdCNXN {
		t.Fatalf("got %s, want CNXN", msg.Command)
	}
	if msg.Arg0 != adbwire.ProtocolVersion || msg.Arg1 != adbwire.MaxPayload {
		t.Fatalf("unexpected CNXN args: %+v", msg)
	}
	if string(msg.Payload) != "device::proxy_abc123\x00" {
		t.Fatalf("unexpected banner: %q", msg.Payload)
	}
}

func TestOpenRejectS2(t *testing.T) {
	served := make(chan net.Conn, 1)
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		if service == "shell:exit" {
			return false, nil // first OPEN is rejected by the host
		}
		return true, func(conn net.Conn) {
			served <- conn
			<-time.After(3 * time.Second)
		}
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv() // CNXN reply

	h.send(adbwire.CmdOPEN, 7, 0, []byte("shell:exit\x00"))

	msg := h.recv()
	if msg.Command != adbwire.CmdCLSE || msg.Arg0 != 7 || msg.Arg1 != 0 {
		t.Fatalf("unexpected reply to rejected OPEN: %+v", msg)
	}

	// next_remote_id must still have advanced to 2 even though the first
	// OPEN was rejected: a second, accepted OPEN gets remote_id 2, not 1.
	h.send(adbwire.CmdOPEN, 9, 0, []byte("shell:ok\x00"))
	okay := h.recv()
	if okay.Command != adbwire.CmdOKAY || okay.Arg0 != 2 || okay.Arg1 != 9 {
		t.Fatalf("unexpected reply to second OPEN: %+v", okay)
	}
	<-served
}

func TestCloseUnknownRemoteID(t *testing.T) {
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		return false, nil // no OPEN is issued in this test
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	// A CLSE for a remote_id with no open stream must reply CLSE(local_id, 0)
	// and must not create or touch any table entry.
	h.send(adbwire.CmdCLSE, 42, 999, nil)

	msg := h.recv()
	if msg.Command != adbwire.CmdCLSE || msg.Arg0 != 42 || msg.Arg1 != 0 {
		t.Fatalf("unexpected reply to CLSE of unknown remote_id: %+v", msg)
	}
}

func TestOpenThenWriteS3(t *testing.T) {
	served := make(chan net.Conn, 1)
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		if service != "shell:echo hi" {
			return false, nil
		}
		return true, func(conn net.Conn) {
			served <- conn
			<-time.After(3 * time.Second) // kept open by the test
		}
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	h.send(adbwire.CmdOPEN, 7, 0, []byte("shell:echo hi\x00"))

	okay := h.recv()
	if okay.Command != adbwire.CmdOKAY || okay.Arg0 != 1 || okay.Arg1 != 7 {
		t.Fatalf("unexpected OKAY: %+v", okay)
	}

	conn := <-served
	conn.Write([]byte("hi\n"))

	wrte := h.recv()
	if wrte.Command != adbwire.CmdWRTE || wrte.Arg0 != 1 || wrte.Arg1 != 7 || string(wrte.Payload) != "hi\n" {
		t.Fatalf("unexpected WRTE: %+v", wrte)
	}
}

func TestPeerWriteToDeviceS4(t *testing.T) {
	served := make(chan net.Conn, 1)
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		return true, func(conn net.Conn) {
			served <- conn
			<-time.After(3 * time.Second)
		}
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	h.send(adbwire.CmdOPEN, 7, 0, []byte("shell:sh\x00"))
	h.recv() // OKAY(1,7)

	conn := <-served

	h.send(adbwire.CmdWRTE, 7, 1, []byte("cmd\n"))

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read forwarded write: %v", err)
	}
	if string(buf) != "cmd\n" {
		t.Fatalf("forwarded payload = %q, want %q", buf, "cmd\n")
	}

	okay := h.recv()
	if okay.Command != adbwire.CmdOKAY || okay.Arg0 != 1 || okay.Arg1 != 7 {
		t.Fatalf("unexpected credit-grant OKAY: %+v", okay)
	}
}

func TestFlowControlS5(t *testing.T) {
	served := make(chan net.Conn, 1)
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		return true, func(conn net.Conn) {
			served <- conn
			<-time.After(3 * time.Second)
		}
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	h.send(adbwire.CmdOPEN, 7, 0, []byte("tcp:1\x00"))
	h.recv() // OKAY(1,7)

	conn := <-served
	conn.Write([]byte("a"))

	wrte := h.recv()
	if wrte.Command != adbwire.CmdWRTE || string(wrte.Payload) != "a" {
		t.Fatalf("got %+v, want WRTE(\"a\")", wrte)
	}

	conn.Write([]byte("b"))
	h.expectNoFrame(200 * time.Millisecond)

	h.send(adbwire.CmdOKAY, 7, 1, nil)
	wrte2 := h.recv()
	if wrte2.Command != adbwire.CmdWRTE || string(wrte2.Payload) != "b" {
		t.Fatalf("got %+v, want WRTE(\"b\") after OKAY", wrte2)
	}
}

// TestShutdownRacesPumpWithoutPanic is a regression test for a shutdown
// hazard: closing p.writeQueue directly (rather than signaling writerLoop to
// stop via a separate quit channel) would let a stream's pump goroutine hit
// "send on closed channel" if it called SendFrame just as shutdown ran. It
// drives the outbound side hard right up to connection close to maximize the
// chance of that race, on every run.
func TestShutdownRacesPumpWithoutPanic(t *testing.T) {
	served := make(chan net.Conn, 1)
	stopWriting := make(chan struct{})
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		return true, func(conn net.Conn) {
			served <- conn
			for {
				select {
				case <-stopWriting:
					return
				default:
					if _, err := conn.Write([]byte("x")); err != nil {
						return
					}
				}
			}
		}
	})
	h := newHarness(t, addr, "dev1")

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	h.send(adbwire.CmdOPEN, 7, 0, []byte("tcp:1\x00"))
	h.recv() // OKAY(1,7)
	<-served

	// Drain one WRTE frame so the outbound writer is mid-flight, then close
	// the peer connection (triggering Run's EOF path and shutdown()) while
	// the fake device is still actively writing.
	h.recv()
	h.close()
	close(stopWriting)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after peer close")
	}
}

func TestConcurrentStreamsS6(t *testing.T) {
	type accepted struct {
		service string
		conn    net.Conn
	}
	served := make(chan accepted, 4)
	addr := fakeHostADB(t, func(service string) (bool, func(net.Conn)) {
		return true, func(conn net.Conn) {
			served <- accepted{service, conn}
			<-time.After(3 * time.Second)
		}
	})
	h := newHarness(t, addr, "dev1")
	defer h.close()

	h.send(adbwire.CmdCNXN, adbwire.ProtocolVersion, adbwire.MaxPayload, []byte("host::\x00"))
	h.recv()

	h.send(adbwire.CmdOPEN, 7, 0, []byte("tcp:1\x00"))
	ok1 := h.recv()
	h.send(adbwire.CmdOPEN, 8, 0, []byte("tcp:2\x00"))
	ok2 := h.recv()

	if ok1.Arg0 != 1 || ok2.Arg0 != 2 {
		t.Fatalf("expected monotonic remote ids 1,2, got %d,%d", ok1.Arg0, ok2.Arg0)
	}

	a1 := <-served
	a2 := <-served
	a1.conn.Write([]byte("x"))
	a2.conn.Write([]byte("y"))

	seen := map[uint32]string{}
	for i := 0; i < 2; i++ {
		msg := h.recv()
		seen[msg.Arg0] = string(msg.Payload)
	}
	if seen[1] != "x" || seen[2] != "y" {
		t.Fatalf("unexpected per-stream payloads: %+v", seen)
	}
}
