// TCP demultiplexing: the established (4-tuple) and listening (2-tuple)
// connection tables, segment routing, and RST synthesis for orphans.

package netstack

import (
	"fmt"
	"net"
)

// handleTCP decodes a TCP segment from an IPv4 packet and routes it.
// Checksum failures are counted and dropped. Segments matching no table get
// a RST unless they are themselves RSTs.
func (ns *Stack) handleTCP(h ipv4Header) error {
	seg, err := parseTCPSegment(h.src, h.dst, h.payload)
	if err != nil {
		if err == errBadChecksum {
			ns.metrics.tcpChecksumErrors.Inc()
		}
		ns.log.Debug("tcp: drop segment", "err", err)
		return nil
	}
	ns.metrics.tcpSegmentsRx.Inc()

	if DEBUG {
		ns.log.Info("tcp: rx segment",
			"src", fmt.Sprintf("%v:%d", h.src, seg.srcPort),
			"dst", fmt.Sprintf("%v:%d", h.dst, seg.dstPort),
			"flags", flagString(seg.flags),
			"seq", uint32(seg.seq),
			"ack", uint32(seg.ack),
			"len", len(seg.payload),
		)
	}

	var local, remote [4]byte
	copy(local[:], h.dst.To4())
	copy(remote[:], h.src.To4())

	key := fourTuple{
		localAddr:  local,
		remoteAddr: remote,
		localPort:  seg.dstPort,
		remotePort: seg.srcPort,
	}

	// Dispatch happens outside the table lock: connection handlers take
	// their own mutex and may re-enter the tables on teardown.
	ns.tcpMu.Lock()
	if c, ok := ns.tcpConns[key]; ok {
		ns.tcpMu.Unlock()
		c.handleSegment(remote, seg)
		return nil
	}
	if c, ok := ns.tcpListen[listenKey{addr: local, port: seg.dstPort}]; ok {
		if seg.hasFlags(tcpFlagSYN) && seg.flags&(tcpFlagRST|tcpFlagFIN) == 0 {
			ns.tcpMu.Unlock()
			c.handleSegment(remote, seg)
			return nil
		}
	}
	ns.tcpMu.Unlock()

	// Orphan segment. RSTs are never answered with RSTs.
	if seg.hasFlags(tcpFlagRST) {
		return nil
	}
	return ns.sendRSTForSegment(local, remote, seg)
}

// addConn registers a connection in the table selected by its state.
func (ns *Stack) addConn(c *tcpConn) error {
	st := c.currentState()
	if st == StateClosed {
		return ErrNotConnected
	}

	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	if st == StateListen {
		key := listenKey{addr: c.id.localAddr, port: c.id.localPort}
		if _, ok := ns.tcpListen[key]; ok {
			return ErrSocketInUse
		}
		ns.tcpListen[key] = c
	} else {
		if _, ok := ns.tcpConns[c.id]; ok {
			return ErrConnectionReuse
		}
		ns.tcpConns[c.id] = c
	}
	ns.metrics.tcpConnections.Set(float64(len(ns.tcpConns)))
	return nil
}

// removeConn unregisters a connection from whichever table holds it.
func (ns *Stack) removeConn(c *tcpConn) {
	ns.tcpMu.Lock()
	defer ns.tcpMu.Unlock()

	key := listenKey{addr: c.id.localAddr, port: c.id.localPort}
	if cur, ok := ns.tcpListen[key]; ok && cur == c {
		delete(ns.tcpListen, key)
	}
	if cur, ok := ns.tcpConns[c.id]; ok && cur == c {
		delete(ns.tcpConns, c.id)
	}
	ns.metrics.tcpConnections.Set(float64(len(ns.tcpConns)))
}

// sendRSTForSegment synthesizes the reset for an orphan segment: our seq is
// the orphan's ack when it had one (else zero), we ack seq+1, and the ACK
// flag is set only when the orphan carried none.
func (ns *Stack) sendRSTForSegment(local, remote [4]byte, seg tcpSegment) error {
	var seq seqNum
	withAck := !seg.hasFlags(tcpFlagACK)
	if seg.hasFlags(tcpFlagACK) {
		seq = seg.ack
	}
	return ns.sendRSTRaw(local, remote, seg.dstPort, seg.srcPort, seq, seg.seq.add(1), withAck)
}

// sendRSTRaw emits a reset with the given sequence numbers.
func (ns *Stack) sendRSTRaw(
	local, remote [4]byte,
	localPort, remotePort uint16,
	seq, ack seqNum,
	withAck bool,
) error {
	flags := uint16(tcpFlagRST)
	if withAck {
		flags |= tcpFlagACK
	}
	seg := buildTCPSegment(
		net.IP(local[:]), net.IP(remote[:]),
		localPort, remotePort,
		seq, ack, flags, 0, 0,
		nil, nil,
	)
	ns.metrics.tcpRSTsTx.Inc()
	return ns.sendIPv4(local, remote, tcpProtocolNumber, seg)
}

// sendTCPRaw transmits a prebuilt TCP segment for the given connection.
func (ns *Stack) sendTCPRaw(id fourTuple, seg []byte) error {
	return ns.sendIPv4(id.localAddr, id.remoteAddr, tcpProtocolNumber, seg)
}

// transmitLoop drains the retransmission queue. Each dequeued entry is a
// due segment: the first transmission happens here at its enqueue deadline,
// retransmissions at the backed-off deadlines after it. Send failures are
// logged; the entry stays queued for the next deadline.
func (ns *Stack) transmitLoop() {
	for {
		e := ns.rtq.dequeue()
		if e == nil {
			return
		}
		if e.retryCount > 1 {
			ns.metrics.tcpRetransmits.Inc()
			if DEBUG {
				ns.log.Info("tcp: retransmit",
					"id", e.id.String(),
					"endSeq", uint32(e.endSeq),
					"retry", e.retryCount,
				)
			}
		}
		if err := ns.sendTCPRaw(e.id, e.payload); err != nil {
			ns.log.Warn("tcp: transmit failed", "id", e.id.String(), "err", err)
		}
		ns.metrics.retransmitQueueDepth.Set(float64(ns.rtq.depth()))
	}
}
