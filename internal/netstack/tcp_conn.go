// Per-connection TCP state machine (RFC 793 with the RFC 1122 corrections).
// A tcpConn owns the TCB and reacts to incoming segments and API calls; the
// Socket layer blocks on its state-change condition.

package netstack

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// State is the TCP connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// Receive window and MSS defaults.
const (
	defaultWindow = 65535
	defaultMSS    = 1460
)

// timeWaitTimeout is a placeholder for 2·MSL; the transition into TIME_WAIT
// is exact, the reap timing is not enforced beyond this timer.
const timeWaitTimeout = 60 * time.Second

// fourTuple identifies an established connection. Addresses are the raw
// network-order octets; ports are host order and converted at the codec.
type fourTuple struct {
	localAddr  [4]byte
	remoteAddr [4]byte
	localPort  uint16
	remotePort uint16
}

func (t fourTuple) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d",
		net.IP(t.localAddr[:]), t.localPort,
		net.IP(t.remoteAddr[:]), t.remotePort)
}

// listenKey identifies a listening connection by local address and port.
type listenKey struct {
	addr [4]byte
	port uint16
}

// pendingAccept is one SYN parked on a LISTEN connection until accept runs.
// It carries a copy of the peer's options so MSS negotiation survives until
// the child connection is created.
type pendingAccept struct {
	id     fourTuple
	seq    seqNum
	window uint16
	opts   tcpOptions
}

// tcpConn holds the TCB. The mutex guards every field below it; stateCond is
// broadcast on state changes and on pending-accept arrivals.
type tcpConn struct {
	stack *Stack
	log   *slog.Logger

	mu        sync.Mutex
	stateCond *sync.Cond

	state State
	id    fourTuple

	backlog int
	pending []pendingAccept

	iss seqNum // initial send sequence, random at creation
	irs seqNum // initial receive sequence, learned from the peer SYN

	sndUna seqNum // oldest unacknowledged
	sndNxt seqNum // next send
	rcvNxt seqNum // next expected from peer

	sndWnd uint32 // peer-advertised
	sndWL1 seqNum // seq of last window update
	sndWL2 seqNum // ack of last window update

	mss    uint16
	urgRcv uint16
	urgSnd uint16

	reasm *reassemblyBuffer

	timeWaitTimer *time.Timer
	closed        bool
}

func newTCPConn(s *Stack) *tcpConn {
	c := &tcpConn{
		stack: s,
		log:   s.log.With("conn", xid.New().String()),
		state: StateClosed,
		mss:   defaultMSS,
	}
	c.stateCond = sync.NewCond(&c.mu)
	return c
}

// setState transitions and wakes every waiter. Called with mu held.
func (c *tcpConn) setState(next State) {
	if DEBUG {
		c.log.Info("tcp: transition", "from", c.state.String(), "to", next.String())
	}
	c.state = next
	c.stateCond.Broadcast()
}

// recvWindow derives the advertised receive window from buffer occupancy.
// Called with mu held.
func (c *tcpConn) recvWindow() uint16 {
	if c.reasm == nil {
		return defaultWindow
	}
	buffered := c.reasm.bytesBuffered()
	if buffered >= defaultWindow {
		return 0
	}
	return uint16(defaultWindow - buffered)
}

// setPassive moves CLOSED to LISTEN and registers in the listening table.
func (c *tcpConn) setPassive(addr [4]byte, port uint16, backlog int) error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("listen from state %s", c.state)
	}
	c.id = fourTuple{localAddr: addr, localPort: port}
	c.backlog = backlog
	c.setState(StateListen)
	c.mu.Unlock()

	if err := c.stack.addConn(c); err != nil {
		c.mu.Lock()
		c.setState(StateClosed)
		c.mu.Unlock()
		return err
	}
	return nil
}

// setActive moves CLOSED to SYN_SENT or SYN_RECEIVED and registers in the
// established table. The caller seeds irs/rcvNxt beforehand on the accept
// path.
func (c *tcpConn) setActive(next State, id fourTuple) error {
	if next != StateSynSent && next != StateSynRcvd {
		return fmt.Errorf("active open into %s", next)
	}
	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return fmt.Errorf("connect from state %s", c.state)
	}
	c.id = id
	c.iss = seqNum(c.stack.randUint32())
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.setState(next)
	c.mu.Unlock()

	if err := c.stack.addConn(c); err != nil {
		c.mu.Lock()
		c.setState(StateClosed)
		c.mu.Unlock()
		return err
	}
	return nil
}

// transmit builds and emits a segment at sndNxt, reserving the sequence
// space it covers. Segments that occupy sequence space (payload, SYN, FIN)
// go through the retransmission queue and are first sent by the transmitter;
// pure ACKs and RSTs are sent directly and never retransmitted.
// Called with mu held.
func (c *tcpConn) transmit(flags uint16, options, payload []byte) error {
	seq := c.sndNxt
	var ack seqNum
	if flags&tcpFlagACK != 0 {
		ack = c.rcvNxt
	}
	seg := buildTCPSegment(
		net.IP(c.id.localAddr[:]), net.IP(c.id.remoteAddr[:]),
		c.id.localPort, c.id.remotePort,
		seq, ack, flags, c.recvWindow(), c.urgSnd,
		options, payload,
	)

	advance := uint32(len(payload))
	if flags&(tcpFlagSYN|tcpFlagFIN) != 0 && len(payload) == 0 {
		advance = 1 // SYN and FIN each consume one sequence number
	}

	if flags&tcpFlagRST != 0 || advance == 0 {
		return c.stack.sendTCPRaw(c.id, seg)
	}
	c.sndNxt = c.sndNxt.add(advance)
	c.stack.rtq.enqueue(c.id, c.sndNxt, seg)
	return nil
}

// sendRawSegment emits a segment with an explicit sequence number, bypassing
// sndNxt accounting. Used for SYN re-announcement and RSTs with dictated
// sequence numbers.
func (c *tcpConn) sendRawSegment(seq, ack seqNum, flags uint16, options []byte) error {
	seg := buildTCPSegment(
		net.IP(c.id.localAddr[:]), net.IP(c.id.remoteAddr[:]),
		c.id.localPort, c.id.remotePort,
		seq, ack, flags, c.recvWindow(), 0,
		options, nil,
	)
	return c.stack.sendTCPRaw(c.id, seg)
}

// segmentAcceptable implements the RFC 793 acceptability table. All
// comparisons are modular.
func segmentAcceptable(seq seqNum, segLen int, wnd uint32, rcvNxt seqNum) bool {
	switch {
	case wnd == 0 && segLen == 0:
		return seq == rcvNxt
	case wnd > 0 && segLen == 0:
		return seq.inWindow(rcvNxt, wnd)
	case wnd > 0 && segLen > 0:
		last := seq.add(uint32(segLen) - 1)
		return seq.inWindow(rcvNxt, wnd) || last.inWindow(rcvNxt, wnd)
	default: // wnd == 0 && segLen > 0
		return false
	}
}

// handleSegment is the single ingress entry point for this connection.
// remote is the peer address from the IP header (a LISTEN connection sees
// many remotes). Never blocks on user threads.
func (c *tcpConn) handleSegment(remote [4]byte, seg tcpSegment) {
	c.mu.Lock()
	if c.closed || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	switch c.state {
	case StateListen:
		c.handleListen(remote, seg)
	case StateSynSent:
		c.handleSynSent(seg)
	default:
		c.handleGeneral(seg)
	}
	st := c.state
	c.mu.Unlock()

	if st == StateClosed {
		c.reap()
	}
}

// handleListen parks a SYN for accept and resets stray ACKs. FIN and RST
// are dropped. Called with mu held.
func (c *tcpConn) handleListen(remote [4]byte, seg tcpSegment) {
	if seg.flags&(tcpFlagRST|tcpFlagFIN) != 0 {
		return
	}
	if seg.hasFlags(tcpFlagACK) {
		// Nothing here owns that ACK; reset with its own ack as our seq.
		c.stack.sendRSTRaw(c.id.localAddr, remote, c.id.localPort, seg.srcPort, seg.ack, 0, false)
		return
	}
	if !seg.hasFlags(tcpFlagSYN) {
		return
	}
	id := fourTuple{
		localAddr:  c.id.localAddr,
		remoteAddr: remote,
		localPort:  c.id.localPort,
		remotePort: seg.srcPort,
	}
	// A retransmitted SYN must not occupy a second backlog slot.
	for _, p := range c.pending {
		if p.id == id {
			return
		}
	}
	if c.backlog > 0 && len(c.pending) >= c.backlog {
		c.log.Warn("tcp: listen backlog full, dropping syn", "remote", net.IP(remote[:]).String())
		return
	}
	p := pendingAccept{
		id:     id,
		seq:    seg.seq,
		window: seg.window,
		opts:   seg.opts,
	}
	c.pending = append(c.pending, p)
	c.stateCond.Broadcast()
}

// handleSynSent processes the SYN+ACK (or bare SYN, simultaneous open)
// answering our SYN. Called with mu held.
func (c *tcpConn) handleSynSent(seg tcpSegment) {
	if seg.hasFlags(tcpFlagACK) {
		if !seg.ack.inOpenRange(c.iss, c.sndNxt) {
			if !seg.hasFlags(tcpFlagRST) {
				c.sendRawSegment(seg.ack, 0, tcpFlagRST, nil)
			}
			return
		}
	}
	if seg.hasFlags(tcpFlagRST) {
		if seg.hasFlags(tcpFlagACK) {
			c.log.Info("tcp: connection refused", "id", c.id.String())
			c.setState(StateClosed)
		}
		return
	}
	if !seg.hasFlags(tcpFlagSYN) {
		return
	}

	c.irs = seg.seq
	c.rcvNxt = seg.seq.add(1)
	c.reasm = newReassemblyBuffer(c.rcvNxt)
	if seg.opts.hasMSS && seg.opts.mss < c.mss {
		c.mss = seg.opts.mss
	}

	if seg.hasFlags(tcpFlagACK) {
		c.sndUna = seg.ack
		c.stack.rtq.ack(c.id, seg.ack)
		c.sndWnd = uint32(seg.window)
		c.sndWL1 = seg.seq
		c.sndWL2 = seg.ack
		c.setState(StateEstablished)
		c.transmit(tcpFlagACK, nil, nil)
		return
	}

	// Simultaneous open: acknowledge their SYN and re-announce ours.
	c.setState(StateSynRcvd)
	c.sendRawSegment(c.iss, c.rcvNxt, tcpFlagSYN|tcpFlagACK, buildMSSOption(defaultMSS))
}

// handleGeneral covers SYN_RECEIVED through TIME_WAIT: acceptability check,
// RST, ACK bookkeeping, window updates, data ingestion and FIN processing.
// Called with mu held.
func (c *tcpConn) handleGeneral(seg tcpSegment) {
	wnd := uint32(c.recvWindow())
	if !segmentAcceptable(seg.seq, len(seg.payload), wnd, c.rcvNxt) {
		if !seg.hasFlags(tcpFlagRST) {
			c.transmit(tcpFlagACK, nil, nil)
		}
		return
	}

	if seg.hasFlags(tcpFlagRST) {
		c.log.Info("tcp: reset by peer", "id", c.id.String(), "state", c.state.String())
		c.setState(StateClosed)
		return
	}

	if !seg.hasFlags(tcpFlagACK) {
		return
	}

	if c.state == StateSynRcvd {
		if !seg.ack.inOpenRange(c.sndUna, c.sndNxt) {
			c.sendRawSegment(seg.ack, 0, tcpFlagRST, nil)
			return
		}
		c.sndUna = seg.ack
		c.stack.rtq.ack(c.id, seg.ack)
		c.sndWnd = uint32(seg.window)
		c.sndWL1 = seg.seq
		c.sndWL2 = seg.ack
		c.setState(StateEstablished)
	} else {
		if seg.ack.inOpenRange(c.sndUna, c.sndNxt) {
			c.sndUna = seg.ack
			c.stack.rtq.ack(c.id, seg.ack)
		} else if seg.ack.greaterThan(c.sndNxt) {
			// Acking the future; tell the peer where we really are.
			c.transmit(tcpFlagACK, nil, nil)
			return
		}
		// Window update, guarded against stale segments (RFC 793).
		if c.sndWL1.lessThan(seg.seq) ||
			(c.sndWL1 == seg.seq && c.sndWL2.lessThanEq(seg.ack)) {
			c.sndWnd = uint32(seg.window)
			c.sndWL1 = seg.seq
			c.sndWL2 = seg.ack
		}
	}

	finAcked := c.sndUna == c.sndNxt
	switch c.state {
	case StateFinWait1:
		if finAcked {
			c.setState(StateFinWait2)
		}
	case StateClosing:
		if finAcked {
			c.enterTimeWait()
		}
	case StateLastAck:
		if finAcked {
			c.setState(StateClosed)
			return
		}
	}

	if seg.hasFlags(tcpFlagURG) {
		c.urgRcv = seg.urgent
	}

	if len(seg.payload) > 0 && c.receivesData() {
		c.reasm.insert(seg.seq, seg.payload, seg.hasFlags(tcpFlagPSH))
		if last, ok := c.reasm.ackable(); ok && last.greaterThan(c.rcvNxt) {
			c.rcvNxt = last
		}
		c.transmit(tcpFlagACK, nil, nil)
	}

	if seg.hasFlags(tcpFlagFIN) {
		c.handleFIN(seg)
	}
}

// receivesData reports whether the state still ingests peer data.
// Called with mu held.
func (c *tcpConn) receivesData() bool {
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	}
	return false
}

// handleFIN accounts the FIN's phantom sequence number, pushes the
// end-of-stream marker to the reader and runs the close-side transitions.
// Called with mu held.
func (c *tcpConn) handleFIN(seg tcpSegment) {
	finSeq := seg.seq.add(uint32(len(seg.payload)))
	if finSeq != c.rcvNxt {
		if c.state == StateTimeWait {
			// Retransmitted FIN: re-acknowledge.
			c.transmit(tcpFlagACK, nil, nil)
		}
		return
	}

	if c.reasm != nil {
		// Zero-length PSH marker: the blocked reader wakes and sees
		// end-of-stream.
		c.reasm.insert(finSeq, nil, true)
	}
	c.rcvNxt = finSeq.add(1)
	c.transmit(tcpFlagACK, nil, nil)

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.sndUna == c.sndNxt {
			c.enterTimeWait()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.enterTimeWait()
	case StateTimeWait:
		// Stay; already re-acked above.
	}
}

// enterTimeWait transitions and arms the placeholder 2·MSL reap timer.
// Called with mu held.
func (c *tcpConn) enterTimeWait() {
	c.setState(StateTimeWait)
	if c.timeWaitTimer == nil {
		c.timeWaitTimer = time.AfterFunc(timeWaitTimeout, func() {
			c.deinit()
		})
	}
}

// waitChange blocks until the state moves away from cur or the timeout
// elapses, returning the state observed. timeout <= 0 waits forever.
func (c *tcpConn) waitChange(cur State, timeout time.Duration) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			c.mu.Lock()
			expired = true
			c.stateCond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}
	for c.state == cur && !expired {
		c.stateCond.Wait()
	}
	return c.state
}

// waitPending blocks until a parked SYN is available on a LISTEN connection.
func (c *tcpConn) waitPending() (pendingAccept, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 {
		if c.closed || c.state != StateListen {
			return pendingAccept{}, ErrNotListening
		}
		c.stateCond.Wait()
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, nil
}

// nextPending dequeues a parked SYN without blocking.
func (c *tcpConn) nextPending() (pendingAccept, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return pendingAccept{}, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, true
}

// currentState snapshots the state.
func (c *tcpConn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// reap releases everything owned by a connection that reached CLOSED from
// the ingress path. Safe to call multiple times.
func (c *tcpConn) reap() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timeWaitTimer != nil {
		c.timeWaitTimer.Stop()
	}
	c.pending = nil
	c.stateCond.Broadcast()
	c.mu.Unlock()

	if c.reasm != nil {
		c.reasm.close()
	}
	c.stack.rtq.purge(c.id)
	c.stack.removeConn(c)
}

// deinit force-closes from the API side: CLOSED state, waiters woken,
// retransmissions purged, tables cleaned.
func (c *tcpConn) deinit() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setState(StateClosed)
	c.mu.Unlock()
	c.reap()
}

// abort resets the peer and tears the connection down. Used on fatal
// internal errors (reassembly corruption).
func (c *tcpConn) abort() {
	c.mu.Lock()
	seq := c.sndNxt
	ack := c.rcvNxt
	c.mu.Unlock()
	_ = c.sendRawSegment(seq, ack, tcpFlagRST|tcpFlagACK, nil)
	c.deinit()
}
