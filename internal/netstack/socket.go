// Socket: the user-facing blocking API over a tcpConn. All calls may park
// the calling goroutine on the connection's state condition.

package netstack

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// User-visible error taxonomy.
var (
	ErrNotConnected      = errors.New("socket: not connected")
	ErrNotListening      = errors.New("socket: not listening")
	ErrClosing           = errors.New("socket: closing")
	ErrConnectionRefused = errors.New("socket: connection refused")
	ErrConnectionReuse   = errors.New("socket: connection already exists")
	ErrSocketInUse       = errors.New("socket: address in use")
	ErrWouldBlock        = errors.New("socket: operation would block")
	ErrAcceptFailed      = errors.New("socket: accept failed")
)

const (
	connectTimeout   = 30 * time.Second
	ephemeralPortMin = 1025
	ephemeralPortMax = 65535
)

// Socket is a handle on one TCP connection (or listener).
type Socket struct {
	stack *Stack
	c     *tcpConn
}

func parseIPv4Dotted(host string) ([4]byte, error) {
	var out [4]byte
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return out, fmt.Errorf("invalid ipv4 address %q", host)
	}
	copy(out[:], ip.To4())
	return out, nil
}

// Listen binds a passive socket on host:port with the given accept backlog.
func (ns *Stack) Listen(host string, port uint16, backlog int) (*Socket, error) {
	addr, err := parseIPv4Dotted(host)
	if err != nil {
		return nil, err
	}
	c := newTCPConn(ns)
	if err := c.setPassive(addr, port, backlog); err != nil {
		return nil, err
	}
	c.log.Info("tcp: listening", "addr", host, "port", port)
	return &Socket{stack: ns, c: c}, nil
}

// Accept blocks until a SYN is parked on the listener, completes the
// handshake on a child connection and returns its socket.
func (s *Socket) Accept() (*Socket, error) {
	if s.c.currentState() != StateListen {
		return nil, ErrNotListening
	}
	p, err := s.c.waitPending()
	if err != nil {
		return nil, err
	}

	child := newTCPConn(s.stack)
	child.irs = p.seq
	child.rcvNxt = p.seq.add(1)
	child.reasm = newReassemblyBuffer(child.rcvNxt)
	if p.opts.hasMSS && p.opts.mss < child.mss {
		child.mss = p.opts.mss
	}
	child.sndWnd = uint32(p.window)
	child.sndWL1 = p.seq

	if err := child.setActive(StateSynRcvd, p.id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcceptFailed, err)
	}

	child.mu.Lock()
	err = child.transmit(tcpFlagSYN|tcpFlagACK, buildMSSOption(defaultMSS), nil)
	child.mu.Unlock()
	if err != nil {
		child.deinit()
		return nil, fmt.Errorf("%w: %v", ErrAcceptFailed, err)
	}

	if st := child.waitChange(StateSynRcvd, 0); st != StateEstablished {
		child.deinit()
		return nil, ErrAcceptFailed
	}
	child.log.Info("tcp: accepted", "id", child.id.String())
	return &Socket{stack: s.stack, c: child}, nil
}

// Connect opens an active connection to host:port from a random ephemeral
// port, blocking up to 30 seconds for the handshake.
func (ns *Stack) Connect(host string, port uint16) (*Socket, error) {
	raddr, err := parseIPv4Dotted(host)
	if err != nil {
		return nil, err
	}

	c := newTCPConn(ns)
	registered := false
	for attempt := 0; attempt < 8; attempt++ {
		lport := uint16(ephemeralPortMin + ns.randUint32()%(ephemeralPortMax-ephemeralPortMin+1))
		id := fourTuple{
			localAddr:  ns.hostIPv4,
			remoteAddr: raddr,
			localPort:  lport,
			remotePort: port,
		}
		err = c.setActive(StateSynSent, id)
		if err == nil {
			registered = true
			break
		}
		if !errors.Is(err, ErrConnectionReuse) {
			return nil, err
		}
	}
	if !registered {
		return nil, ErrSocketInUse
	}

	c.mu.Lock()
	err = c.transmit(tcpFlagSYN, buildMSSOption(defaultMSS), nil)
	c.mu.Unlock()
	if err != nil {
		c.deinit()
		return nil, err
	}

	if st := c.waitChange(StateSynSent, connectTimeout); st != StateEstablished {
		c.deinit()
		return nil, ErrConnectionRefused
	}
	c.log.Info("tcp: connected", "id", c.id.String())
	return &Socket{stack: ns, c: c}, nil
}

// Read blocks until buffered contiguous data can satisfy the request, a PSH
// boundary arrives, or the peer closes. A closed stream yields io.EOF.
func (s *Socket) Read(buf []byte) (int, error) {
	for {
		switch st := s.c.currentState(); st {
		case StateClosed:
			return 0, ErrNotConnected
		case StateListen:
			return 0, ErrNotListening
		case StateClosing, StateLastAck, StateTimeWait:
			return 0, ErrClosing
		case StateSynSent, StateSynRcvd:
			// The connection is on its way up; wait it out.
			if next := s.c.waitChange(st, 0); next == StateClosed {
				return 0, ErrNotConnected
			}
			continue
		}

		n, err := s.c.reasm.read(buf)
		switch {
		case err == nil && n == 0 && len(buf) > 0:
			// End-of-stream marker consumed (peer FIN).
			return 0, io.EOF
		case err == nil:
			// Consumed bytes reopen the receive window; advertise it so a
			// sender stalled on a full window can resume.
			c := s.c
			c.mu.Lock()
			if c.receivesData() {
				_ = c.transmit(tcpFlagACK, nil, nil)
			}
			c.mu.Unlock()
			return n, nil
		case errors.Is(err, errNoData):
			return 0, ErrNotConnected
		case errors.Is(err, errNonContiguous):
			s.c.log.Error("tcp: reassembly corruption, aborting connection", "id", s.c.id.String())
			s.c.abort()
			return 0, ErrNotConnected
		default:
			return 0, err
		}
	}
}

// Write queues buf for transmission in MSS-bounded chunks limited by the
// usable send window. PSH is set on the final chunk. Returns the number of
// bytes actually queued; zero with ErrWouldBlock when the window is closed.
func (s *Socket) Write(buf []byte) (int, error) {
	for {
		switch st := s.c.currentState(); st {
		case StateClosed:
			return 0, ErrNotConnected
		case StateListen:
			return 0, ErrNotListening
		case StateFinWait1, StateFinWait2, StateClosing, StateLastAck, StateTimeWait:
			return 0, ErrClosing
		case StateSynSent, StateSynRcvd:
			if next := s.c.waitChange(st, 0); next == StateClosed {
				return 0, ErrNotConnected
			}
			continue
		case StateEstablished, StateCloseWait:
			// Send path is open (CLOSE_WAIT may still transmit).
		}
		break
	}

	c := s.c
	c.mu.Lock()
	defer c.mu.Unlock()

	queued := 0
	for queued < len(buf) {
		inFlight := uint32(c.sndNxt - c.sndUna)
		if inFlight >= c.sndWnd {
			break
		}
		usable := c.sndWnd - inFlight
		chunk := len(buf) - queued
		if chunk > int(c.mss) {
			chunk = int(c.mss)
		}
		if uint32(chunk) > usable {
			chunk = int(usable)
		}
		if chunk == 0 {
			break
		}

		flags := uint16(tcpFlagACK)
		last := queued+chunk == len(buf) || uint32(chunk) == usable
		if last {
			flags |= tcpFlagPSH
		}
		if err := c.transmit(flags, nil, buf[queued:queued+chunk]); err != nil {
			if queued > 0 {
				return queued, nil
			}
			return 0, err
		}
		queued += chunk
	}

	if queued == 0 && len(buf) > 0 {
		return 0, ErrWouldBlock
	}
	return queued, nil
}

// Close runs the per-state termination action. For an established
// connection it issues FIN and moves to FIN_WAIT1; from CLOSE_WAIT it
// blocks until the peer acknowledges our FIN.
func (s *Socket) Close() error {
	c := s.c
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateListen, StateSynSent:
		c.mu.Unlock()
		c.deinit()
		return nil
	case StateSynRcvd, StateEstablished:
		err := c.transmit(tcpFlagFIN|tcpFlagACK, nil, nil)
		c.setState(StateFinWait1)
		c.mu.Unlock()
		return err
	case StateCloseWait:
		err := c.transmit(tcpFlagFIN|tcpFlagACK, nil, nil)
		c.setState(StateLastAck)
		c.mu.Unlock()
		if st := c.waitChange(StateLastAck, connectTimeout); st != StateClosed {
			c.deinit()
		}
		return err
	case StateTimeWait:
		c.mu.Unlock()
		c.deinit()
		return nil
	default: // FIN_WAIT1/2, CLOSING, LAST_ACK: teardown already under way
		c.mu.Unlock()
		return nil
	}
}

// State reports the connection state.
func (s *Socket) State() State {
	return s.c.currentState()
}

// LocalAddr returns the bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(s.c.id.localAddr[:]), Port: int(s.c.id.localPort)}
}

// RemoteAddr returns the peer address; meaningless for listeners.
func (s *Socket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IP(s.c.id.remoteAddr[:]), Port: int(s.c.id.remotePort)}
}
