package test

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/virtrange/tapstack/internal/netstack"
)

// TestGvisorDialsStackEcho: a gVisor client completes the handshake against
// our listener and round-trips data through the echo loop.
func TestGvisorDialsStackEcho(t *testing.T) {
	h := newGvisorHarness(t)

	listener, err := h.ns.Listen("10.0.0.4", 5501, 8)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	client, err := h.dialStack(5501)
	if err != nil {
		t.Fatalf("gvisor dial: %v", err)
	}
	defer client.Close()

	msg := []byte("Ping!")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("echo = %q, want %q", buf[:n], msg)
	}
}

// TestStackConnectsToGvisor: our active open against a gVisor listener.
func TestStackConnectsToGvisor(t *testing.T) {
	h := newGvisorHarness(t)

	guestListener, err := h.listenGuest(7000)
	if err != nil {
		t.Fatalf("gvisor listen: %v", err)
	}
	defer guestListener.Close()

	go func() {
		conn, err := guestListener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	sock, err := h.ns.Connect("10.0.0.1", 7000)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer sock.Close()
	awaitState(t, sock, netstack.StateEstablished, time.Second)

	msg := []byte("hello gvisor")
	if _, err := sock.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 64)
	for len(got) < len(msg) {
		n, err := sock.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo = %q, want %q", got, msg)
	}
}

// TestGvisorCloseFromClient: the gVisor side closes first; our reader sees
// end-of-stream and our close completes the termination handshake.
func TestGvisorCloseFromClient(t *testing.T) {
	h := newGvisorHarness(t)

	listener, err := h.ns.Listen("10.0.0.4", 5502, 8)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	accepted := make(chan *netstack.Socket, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := h.dialStack(5502)
	if err != nil {
		t.Fatalf("gvisor dial: %v", err)
	}

	var server *netstack.Socket
	select {
	case server = <-accepted:
		if server == nil {
			t.Fatalf("accept failed")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("accept timed out")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}

	readDone := make(chan error, 1)
	go func() {
		_, err := server.Read(make([]byte, 16))
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err != io.EOF {
			t.Fatalf("read after peer close = %v, want EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reader did not observe the close")
	}

	if err := server.Close(); err != nil {
		t.Fatalf("server close: %v", err)
	}
	awaitState(t, server, netstack.StateClosed, 5*time.Second)
}
