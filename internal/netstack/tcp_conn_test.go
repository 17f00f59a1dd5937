package netstack

import (
	"testing"
	"time"
)

func TestSegmentAcceptabilityTable(t *testing.T) {
	cases := []struct {
		name   string
		seq    seqNum
		segLen int
		wnd    uint32
		rcvNxt seqNum
		want   bool
	}{
		{"zero-window empty at nxt", 100, 0, 0, 100, true},
		{"zero-window empty off nxt", 101, 0, 0, 100, false},
		{"empty inside window", 150, 0, 100, 100, true},
		{"empty at window edge", 200, 0, 100, 100, false},
		{"empty before window", 99, 0, 100, 100, false},
		{"data fully inside", 150, 10, 100, 100, true},
		{"data straddling left edge", 95, 10, 100, 100, true},
		{"data straddling right edge", 195, 10, 100, 100, true},
		{"data fully before", 80, 10, 100, 100, false},
		{"data fully after", 200, 10, 100, 100, false},
		{"zero-window with data", 100, 5, 0, 100, false},
		{"wraparound straddle", 0xfffffffe, 8, 100, 0xfffffffe, true},
	}
	for _, c := range cases {
		if got := segmentAcceptable(c.seq, c.segLen, c.wnd, c.rcvNxt); got != c.want {
			t.Errorf("%s: segmentAcceptable(%#x, %d, %d, %#x) = %v, want %v",
				c.name, uint32(c.seq), c.segLen, c.wnd, uint32(c.rcvNxt), got, c.want)
		}
	}
}

// establishedConn builds a connection already in ESTABLISHED with known
// sequence state, registered with the stack.
func establishedConn(t *testing.T, ns *Stack) *tcpConn {
	t.Helper()

	var local, remote [4]byte
	copy(local[:], testHostIP.To4())
	copy(remote[:], testPeerIP.To4())

	c := newTCPConn(ns)
	c.irs = 100
	c.rcvNxt = 101
	c.reasm = newReassemblyBuffer(101)
	c.sndWnd = 0x6000
	c.sndWL1 = 100
	if err := c.setActive(StateSynRcvd, fourTuple{
		localAddr:  local,
		remoteAddr: remote,
		localPort:  5501,
		remotePort: testPeerPort,
	}); err != nil {
		t.Fatalf("setActive: %v", err)
	}

	c.mu.Lock()
	c.sndNxt = c.iss.add(1) // as if our SYN was sent
	c.sndUna = c.sndNxt     // ...and acknowledged
	c.setState(StateEstablished)
	c.mu.Unlock()
	return c
}

func peerSegment(c *tcpConn, seq, ack seqNum, flags uint16, payload []byte) tcpSegment {
	return tcpSegment{
		srcPort: c.id.remotePort,
		dstPort: c.id.localPort,
		seq:     seq,
		ack:     ack,
		flags:   flags,
		window:  0x6000,
		payload: payload,
	}
}

func remoteOf(c *tcpConn) [4]byte {
	return c.id.remoteAddr
}

func TestWindowUpdateRule(t *testing.T) {
	ns, _ := newTestStack(t)
	c := establishedConn(t, ns)

	// A fresher segment (higher seq) updates the window.
	seg := peerSegment(c, 101, c.sndNxt, tcpFlagACK, nil)
	seg.window = 1111
	c.handleSegment(remoteOf(c), seg)
	if c.sndWnd != 1111 {
		t.Fatalf("sndWnd = %d, want 1111", c.sndWnd)
	}

	// A stale segment (seq below the last update's, same ack) must not.
	stale := peerSegment(c, 101, c.sndNxt, tcpFlagACK, nil)
	stale.window = 9
	c.mu.Lock()
	c.sndWL1 = 200 // pretend a later update landed
	c.mu.Unlock()
	c.handleSegment(remoteOf(c), stale)
	if c.sndWnd == 9 {
		t.Fatalf("stale segment updated the window")
	}
}

func TestListenParksPendingAndBacklog(t *testing.T) {
	ns, _ := newTestStack(t)

	c := newTCPConn(ns)
	var local [4]byte
	copy(local[:], testHostIP.To4())
	if err := c.setPassive(local, 6100, 2); err != nil {
		t.Fatalf("setPassive: %v", err)
	}

	var remote [4]byte
	copy(remote[:], testPeerIP.To4())
	for i := 0; i < 3; i++ {
		seg := tcpSegment{
			srcPort: uint16(41000 + i),
			dstPort: 6100,
			seq:     seqNum(1000 * (i + 1)),
			flags:   tcpFlagSYN,
			window:  4096,
			opts:    tcpOptions{mss: 1400, hasMSS: true},
		}
		c.handleSegment(remote, seg)
	}

	// Backlog is 2: the third SYN is dropped.
	p1, ok := c.nextPending()
	if !ok || p1.seq != 1000 || p1.id.remotePort != 41000 {
		t.Fatalf("first pending = %+v, %v", p1, ok)
	}
	if !p1.opts.hasMSS || p1.opts.mss != 1400 {
		t.Fatalf("pending options not retained: %+v", p1.opts)
	}
	p2, ok := c.nextPending()
	if !ok || p2.seq != 2000 {
		t.Fatalf("second pending = %+v, %v", p2, ok)
	}
	if _, ok := c.nextPending(); ok {
		t.Fatalf("backlog overflow was parked")
	}
}

func TestListenIgnoresFINAndRST(t *testing.T) {
	ns, _ := newTestStack(t)

	c := newTCPConn(ns)
	var local [4]byte
	copy(local[:], testHostIP.To4())
	if err := c.setPassive(local, 6101, 4); err != nil {
		t.Fatalf("setPassive: %v", err)
	}

	var remote [4]byte
	copy(remote[:], testPeerIP.To4())
	c.handleSegment(remote, tcpSegment{dstPort: 6101, srcPort: 41000, flags: tcpFlagFIN})
	c.handleSegment(remote, tcpSegment{dstPort: 6101, srcPort: 41000, flags: tcpFlagRST})
	c.handleSegment(remote, tcpSegment{dstPort: 6101, srcPort: 41000, flags: tcpFlagSYN | tcpFlagRST})

	if _, ok := c.nextPending(); ok {
		t.Fatalf("non-SYN segment was parked")
	}
	if st := c.currentState(); st != StateListen {
		t.Fatalf("listener state = %s", st)
	}
}

func TestSimultaneousCloseWalksClosing(t *testing.T) {
	ns, _ := newTestStack(t)
	c := establishedConn(t, ns)

	// Our FIN goes out first...
	c.mu.Lock()
	if err := c.transmit(tcpFlagFIN|tcpFlagACK, nil, nil); err != nil {
		c.mu.Unlock()
		t.Fatalf("transmit fin: %v", err)
	}
	c.setState(StateFinWait1)
	finSeq := c.sndNxt
	c.mu.Unlock()

	// ...and the peer's FIN crosses it on the wire (no ack of ours yet).
	c.handleSegment(remoteOf(c), peerSegment(c, 101, c.sndUna, tcpFlagFIN|tcpFlagACK, nil))
	if st := c.currentState(); st != StateClosing {
		t.Fatalf("state after crossing fin = %s, want CLOSING", st)
	}

	// The ack of our FIN completes the simultaneous close.
	c.handleSegment(remoteOf(c), peerSegment(c, 102, finSeq, tcpFlagACK, nil))
	if st := c.currentState(); st != StateTimeWait {
		t.Fatalf("state after fin ack = %s, want TIME_WAIT", st)
	}
}

func TestTimeWaitReacksRetransmittedFIN(t *testing.T) {
	ns, frames := newTestStack(t)
	c := establishedConn(t, ns)

	c.mu.Lock()
	c.transmit(tcpFlagFIN|tcpFlagACK, nil, nil)
	c.setState(StateFinWait1)
	finSeq := c.sndNxt
	c.mu.Unlock()

	c.handleSegment(remoteOf(c), peerSegment(c, 101, finSeq, tcpFlagFIN|tcpFlagACK, nil))
	if st := c.currentState(); st != StateTimeWait {
		t.Fatalf("state = %s, want TIME_WAIT", st)
	}

	// Drain whatever was emitted so far, then replay the peer's FIN.
	drainFrames(frames)
	c.handleSegment(remoteOf(c), peerSegment(c, 101, finSeq, tcpFlagFIN|tcpFlagACK, nil))

	ack := awaitTCP(t, frames, func(s tcpSegment) bool { return s.hasFlags(tcpFlagACK) })
	if uint32(ack.ack) != 102 {
		t.Fatalf("re-ack = %d, want 102", uint32(ack.ack))
	}
	if st := c.currentState(); st != StateTimeWait {
		t.Fatalf("state after retransmitted fin = %s", st)
	}
}

func drainFrames(frames chan []byte) {
	for {
		select {
		case <-frames:
		default:
			return
		}
	}
}

func TestWaitChangeTimeout(t *testing.T) {
	ns, _ := newTestStack(t)
	c := establishedConn(t, ns)

	start := time.Now()
	st := c.waitChange(StateEstablished, 50*time.Millisecond)
	if st != StateEstablished {
		t.Fatalf("state changed unexpectedly to %s", st)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("waitChange returned after %v, before the timeout", elapsed)
	}
}

func TestUrgentPointerRecorded(t *testing.T) {
	ns, _ := newTestStack(t)
	c := establishedConn(t, ns)

	seg := peerSegment(c, 101, c.sndNxt, tcpFlagACK|tcpFlagURG|tcpFlagPSH, []byte("urgent"))
	seg.urgent = 3
	c.handleSegment(remoteOf(c), seg)

	c.mu.Lock()
	urg := c.urgRcv
	c.mu.Unlock()
	if urg != 3 {
		t.Fatalf("urgRcv = %d, want 3", urg)
	}
}

func TestSndUnaNeverPassesSndNxt(t *testing.T) {
	ns, _ := newTestStack(t)
	c := establishedConn(t, ns)

	// An ack beyond sndNxt must be ignored (bare ack emitted instead).
	c.handleSegment(remoteOf(c), peerSegment(c, 101, c.sndNxt.add(5000), tcpFlagACK, nil))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sndUna.lessThanEq(c.sndNxt) {
		t.Fatalf("invariant broken: sndUna %d > sndNxt %d", uint32(c.sndUna), uint32(c.sndNxt))
	}
}
