// Minimal UDP datapath: bound-port endpoints sufficient to carry the
// embedded DNS server.

package netstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type udpEndpoint interface {
	Close() error

	enqueue(data []byte, addr net.UDPAddr) error
}

type udpPacket struct {
	payload []byte
	addr    net.UDPAddr
}

// handleUDP parses the UDP header and enqueues payloads to bound endpoints.
func (ns *Stack) handleUDP(h ipv4Header, payload []byte) error {
	if len(payload) < udpHeaderLen {
		return fmt.Errorf("udp packet too short: %d", len(payload))
	}

	srcPort := binary.BigEndian.Uint16(payload[0:2])
	dstPort := binary.BigEndian.Uint16(payload[2:4])
	length := binary.BigEndian.Uint16(payload[4:6])
	if length < udpHeaderLen || int(length) > len(payload) {
		return fmt.Errorf("udp length out of range: %d", length)
	}
	data := payload[udpHeaderLen:length]

	v, ok := ns.udpSockets.Load(dstPort)
	if !ok {
		ns.log.Debug("udp: drop packet for unbound port",
			"srcIP", h.src.String(),
			"srcPort", srcPort,
			"dstPort", dstPort,
		)
		return nil
	}
	ep := v.(udpEndpoint)

	addrIP := h.src.To4()
	if addrIP == nil {
		return fmt.Errorf("udp source ip is not ipv4: %v", h.src)
	}
	return ep.enqueue(data, net.UDPAddr{
		IP:   append(net.IP(nil), addrIP...),
		Port: int(srcPort),
	})
}

// sendUDP crafts a datagram and hands it to the IPv4 layer.
func (ns *Stack) sendUDP(srcPort, dstPort uint16, dst [4]byte, payload []byte) error {
	datagram := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(datagram[0:2], srcPort)
	binary.BigEndian.PutUint16(datagram[2:4], dstPort)
	binary.BigEndian.PutUint16(datagram[4:6], uint16(len(datagram)))
	copy(datagram[udpHeaderLen:], payload)

	check := udpChecksum(net.IP(ns.hostIPv4[:]), net.IP(dst[:]), datagram)
	binary.BigEndian.PutUint16(datagram[6:8], check)

	return ns.sendIPv4(ns.hostIPv4, dst, udpProtocolNumber, datagram)
}

// udpTimeoutError conveys a timeout via net.Error.
type udpTimeoutError struct{}

func (udpTimeoutError) Error() string   { return "timeout" }
func (udpTimeoutError) Timeout() bool   { return true }
func (udpTimeoutError) Temporary() bool { return true }

// udpEndpointConn is a bound UDP "socket" on a given port.
type udpEndpointConn struct {
	stack    *Stack
	port     uint16
	incoming chan udpPacket

	closed    atomic.Bool
	readDead  time.Time
	writeDead time.Time
}

func newUDPEndpointConn(stack *Stack, port uint16) *udpEndpointConn {
	return &udpEndpointConn{
		stack:    stack,
		port:     port,
		incoming: make(chan udpPacket, 32),
	}
}

func (ep *udpEndpointConn) enqueue(data []byte, addr net.UDPAddr) error {
	if ep.closed.Load() {
		return net.ErrClosed
	}
	// Drop rather than stall the ingress path when readers are slow.
	select {
	case ep.incoming <- udpPacket{payload: append([]byte(nil), data...), addr: addr}:
	default:
	}
	return nil
}

func (ep *udpEndpointConn) ReadFrom(b []byte) (int, net.Addr, error) {
	if ep.closed.Load() {
		return 0, nil, net.ErrClosed
	}
	deadline := ep.readDead

	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	if !deadline.IsZero() {
		until := time.Until(deadline)
		if until <= 0 {
			return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: udpTimeoutError{}}
		}
		timer = time.NewTimer(until)
		timeout = timer.C
		defer timer.Stop()
	}

	select {
	case pkt, ok := <-ep.incoming:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(b, pkt.payload)
		return n, &pkt.addr, nil
	case <-timeout:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: udpTimeoutError{}}
	}
}

func (ep *udpEndpointConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("unexpected addr type")}
	}
	if ep.closed.Load() {
		return 0, net.ErrClosed
	}
	if dead := ep.writeDead; !dead.IsZero() && time.Now().After(dead) {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: udpTimeoutError{}}
	}

	ip4 := udpAddr.IP.To4()
	if ip4 == nil {
		return 0, &net.OpError{Op: "write", Net: "udp", Err: errors.New("destination is not ipv4")}
	}
	var dst [4]byte
	copy(dst[:], ip4)

	if err := ep.stack.sendUDP(ep.port, uint16(udpAddr.Port), dst, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (ep *udpEndpointConn) Close() error {
	if ep.closed.Swap(true) {
		return nil
	}
	close(ep.incoming)
	ep.stack.udpSockets.Delete(ep.port)
	return nil
}

func (ep *udpEndpointConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IP(ep.stack.hostIPv4[:]), Port: int(ep.port)}
}

func (ep *udpEndpointConn) SetDeadline(t time.Time) error {
	ep.readDead = t
	ep.writeDead = t
	return nil
}

func (ep *udpEndpointConn) SetReadDeadline(t time.Time) error {
	ep.readDead = t
	return nil
}

func (ep *udpEndpointConn) SetWriteDeadline(t time.Time) error {
	ep.writeDead = t
	return nil
}

var _ udpEndpoint = (*udpEndpointConn)(nil)

// ListenPacket binds a UDP endpoint on a given port.
func (ns *Stack) ListenPacket(network, address string) (net.PacketConn, error) {
	if network != "udp" && network != "udp4" {
		return nil, fmt.Errorf("network %q not supported", network)
	}

	port, err := parsePort(address)
	if err != nil {
		return nil, err
	}

	ep, loaded := ns.udpSockets.LoadOrStore(port, newUDPEndpointConn(ns, port))
	if loaded {
		return nil, fmt.Errorf("udp port %d already in use", port)
	}
	return ep.(*udpEndpointConn), nil
}

func parsePort(address string) (uint16, error) {
	if !strings.Contains(address, ":") {
		address = ":" + address
	}
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0, err
	}
	port64, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", portStr, err)
	}
	return uint16(port64), nil
}
