// Package netstack implements a user-space TCP/IPv4 stack over a layer-2
// frame device (a TAP interface in production, an in-memory loop in tests).
//
// The goals are:
//   - A complete RFC 793 TCP: three-way handshake, reliable in-order
//     delivery with retransmission, sliding-window flow control, and the
//     full termination dance, behind a blocking socket-shaped API.
//   - ARP, IPv4 and ICMP echo sufficient to carry it.
//   - Explicit ownership: segment buffers pass from connection to
//     retransmission queue to transmitter and are freed on cumulative ACK.
//
// Notes and limitations:
//   - No IPv6, no IP options, no fragmentation reassembly.
//   - TCP options beyond MSS are parsed but inert (no window scaling, no
//     SACK generation, no timestamps).
//   - No congestion control; retransmission is purely RTO-driven.
package netstack

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Debug toggle. When true, emits verbose logs from key code paths.
const DEBUG = false

type etherType uint16

// EtherTypes we care about.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// Basic protocol numbers for IPv4's Protocol field.
const (
	icmpProtocolNumber protocolNumber = 1
	tcpProtocolNumber  protocolNumber = 6
	udpProtocolNumber  protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	case icmpProtocolNumber:
		return "icmp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Header sizes (bytes).
const (
	tcpHeaderLen      = 20
	udpHeaderLen      = 8
	ipv4HeaderLen     = 20
	ethernetHeaderLen = 14
)

// maxFrameSize bounds a single read from the frame device.
const maxFrameSize = 64*1024 + ethernetHeaderLen

////////////////////////////////////////////////////////////////////////////////
// FrameDevice: the layer-2 collaborator the stack drives.
////////////////////////////////////////////////////////////////////////////////

// FrameDevice is a byte-oriented device delivering and accepting complete
// Ethernet frames. The stack owns the read loop.
type FrameDevice interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

////////////////////////////////////////////////////////////////////////////////
// Stack: central struct tying together the interface, ARP, IPv4 and TCP.
////////////////////////////////////////////////////////////////////////////////

// Stack is one user-space network stack bound to a single IPv4 address.
type Stack struct {
	log *slog.Logger

	hostIPv4 [4]byte
	hostMAC  net.HardwareAddr

	arp *arpTable

	// Frame egress and optional capture.
	backendMu sync.RWMutex
	backend   func(frame []byte) error
	device    FrameDevice

	captureMu sync.Mutex
	capture   *pcapgo.Writer

	// TCP state.
	tcpMu     sync.Mutex
	tcpListen map[listenKey]*tcpConn
	tcpConns  map[fourTuple]*tcpConn
	rtq       *retransmitQueue

	// UDP state (carries the embedded DNS server).
	udpSockets sync.Map

	dnsServer *dnsServer

	// Debug HTTP server.
	debugMu  sync.Mutex
	debugSrv *debugServer

	metrics *stackMetrics

	randMu     sync.Mutex
	randSource *rand.Rand

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Stack bound to hostIPv4 with a random locally
// administered MAC, and starts the retransmission transmitter.
func New(l *slog.Logger, hostIPv4 net.IP) (*Stack, error) {
	ip4 := hostIPv4.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("host address %v is not ipv4", hostIPv4)
	}

	mac := make(net.HardwareAddr, 6)
	if _, err := cryptoRand.Read(mac); err != nil {
		return nil, fmt.Errorf("generate host mac: %w", err)
	}
	mac[0] &^= 1 // not multicast
	mac[0] |= 2  // locally administered

	ns := &Stack{
		log:        l,
		hostMAC:    mac,
		tcpListen:  make(map[listenKey]*tcpConn),
		tcpConns:   make(map[fourTuple]*tcpConn),
		rtq:        newRetransmitQueue(baseRTO),
		metrics:    newStackMetrics(),
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
		done:       make(chan struct{}),
	}
	copy(ns.hostIPv4[:], ip4)
	ns.arp = newARPTable(ns)

	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		ns.transmitLoop()
	}()
	return ns, nil
}

// HostIP returns the stack's bound IPv4 address.
func (ns *Stack) HostIP() net.IP {
	return net.IP(ns.hostIPv4[:])
}

// HostMAC returns the stack's hardware address.
func (ns *Stack) HostMAC() net.HardwareAddr {
	return ns.hostMAC
}

func (ns *Stack) randUint32() uint32 {
	ns.randMu.Lock()
	defer ns.randMu.Unlock()
	return ns.randSource.Uint32()
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle.
////////////////////////////////////////////////////////////////////////////////

// Attach binds the stack to a frame device: egress goes to WriteFrame and a
// goroutine owns the ingress read loop until the device fails or the stack
// closes.
func (ns *Stack) Attach(dev FrameDevice) {
	ns.backendMu.Lock()
	ns.device = dev
	ns.backend = dev.WriteFrame
	ns.backendMu.Unlock()

	ns.wg.Add(1)
	go func() {
		defer ns.wg.Done()
		ns.readLoop(dev)
	}()
}

// AttachBackend sets the frame egress callback without a read loop; tests
// inject ingress through DeliverFrame.
func (ns *Stack) AttachBackend(fn func(frame []byte) error) {
	ns.backendMu.Lock()
	ns.backend = fn
	ns.backendMu.Unlock()
}

func (ns *Stack) readLoop(dev FrameDevice) {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := dev.ReadFrame(buf)
		if err != nil {
			select {
			case <-ns.done:
			default:
				ns.log.Error("netstack: frame read failed", "err", err)
			}
			return
		}
		if err := ns.DeliverFrame(buf[:n]); err != nil {
			ns.log.Debug("netstack: drop frame", "err", err)
		}
	}
}

// Close tears down connections, listeners, endpoints and background
// goroutines. It is best-effort and idempotent.
func (ns *Stack) Close() error {
	ns.closeOnce.Do(func() {
		close(ns.done)

		ns.StopDNSServer()
		ns.stopDebugHTTP()

		ns.tcpMu.Lock()
		conns := make([]*tcpConn, 0, len(ns.tcpConns)+len(ns.tcpListen))
		for _, c := range ns.tcpConns {
			conns = append(conns, c)
		}
		for _, c := range ns.tcpListen {
			conns = append(conns, c)
		}
		ns.tcpMu.Unlock()
		for _, c := range conns {
			c.deinit()
		}

		ns.udpSockets.Range(func(key, value any) bool {
			_ = value.(io.Closer).Close()
			return true
		})

		ns.rtq.close()
		ns.arp.close()

		ns.backendMu.Lock()
		dev := ns.device
		ns.device = nil
		ns.backend = nil
		ns.backendMu.Unlock()
		if dev != nil {
			_ = dev.Close()
		}

		ns.wg.Wait()
	})
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture (pcap).
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture streams every frame (both directions) to out in pcap
// format.
func (ns *Stack) OpenPacketCapture(out io.Writer) error {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()

	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(maxFrameSize, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	ns.capture = w
	return nil
}

func (ns *Stack) writeCapture(frame []byte) {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()
	if ns.capture == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := ns.capture.WritePacket(ci, frame); err != nil {
		ns.log.Warn("pcap: write frame failed", "err", err)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Ethernet ingress/egress.
////////////////////////////////////////////////////////////////////////////////

// DeliverFrame is the ingress entry point: one complete Ethernet frame.
// Segments for a single connection are processed in arrival order because
// the caller (the read loop) is single-threaded.
func (ns *Stack) DeliverFrame(frame []byte) error {
	if len(frame) < ethernetHeaderLen {
		return fmt.Errorf("frame too short: %d", len(frame))
	}
	ns.metrics.framesRx.Inc()
	ns.writeCapture(frame)

	dst := net.HardwareAddr(frame[0:6])
	src := net.HardwareAddr(frame[6:12])
	ethType := etherType(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[14:]

	if !isBroadcast(dst) && !macEqual(dst, ns.hostMAC) {
		return nil
	}

	switch ethType {
	case etherTypeARP:
		return ns.handleARP(src, payload)
	case etherTypeIPv4:
		return ns.handleIPv4(src, payload)
	default:
		return nil
	}
}

func (ns *Stack) sendFrame(frame []byte) error {
	ns.backendMu.RLock()
	backend := ns.backend
	ns.backendMu.RUnlock()
	if backend == nil {
		return errors.New("netstack: no frame device attached")
	}
	ns.metrics.framesTx.Inc()
	ns.writeCapture(frame)
	// Ownership: frame is only valid for the duration of this call. Backends
	// that queue asynchronously must copy.
	return backend(frame)
}

// sendEthernet wraps payload in an Ethernet header and transmits it.
func (ns *Stack) sendEthernet(dstMAC net.HardwareAddr, ethType etherType, payload []byte) error {
	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], dstMAC)
	copy(frame[6:12], ns.hostMAC)
	binary.BigEndian.PutUint16(frame[12:14], uint16(ethType))
	copy(frame[ethernetHeaderLen:], payload)
	return ns.sendFrame(frame)
}

func isBroadcast(addr net.HardwareAddr) bool {
	if len(addr) != 6 {
		return false
	}
	for _, b := range addr {
		if b != 0xff {
			return false
		}
	}
	return true
}

func macEqual(a, b net.HardwareAddr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

////////////////////////////////////////////////////////////////////////////////
// IPv4: header parsing/building and protocol demux.
////////////////////////////////////////////////////////////////////////////////

// ipv4Header captures the fixed 20B header plus payload. Options are sliced
// out but not interpreted; fragments are not reassembled.
type ipv4Header struct {
	version  uint8
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // includes flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      net.IP
	dst      net.IP
	options  []byte
	payload  []byte
}

// parseIPv4Header decodes and checksum-verifies a minimal IPv4 header.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d", version)
	}
	headerLen := int(ihl) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}
	if checksum(data[:headerLen]) != 0 {
		return ipv4Header{}, errors.New("ipv4: bad header checksum")
	}

	h := ipv4Header{
		version:  version,
		ihl:      ihl,
		tos:      data[1],
		length:   binary.BigEndian.Uint16(data[2:4]),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
		src:      net.IP(data[12:16]),
		dst:      net.IP(data[16:20]),
	}
	if headerLen > ipv4HeaderLen {
		h.options = data[ipv4HeaderLen:headerLen]
	}
	end := int(h.length)
	if end < headerLen || end > len(data) {
		end = len(data)
	}
	h.payload = data[headerLen:end]
	return h, nil
}

func buildIPv4Packet(src, dst net.IP, protocol protocolNumber, payload []byte) []byte {
	packet := make([]byte, ipv4HeaderLen+len(payload))
	buildIPv4HeaderInto(packet[:ipv4HeaderLen], src, dst, protocol, len(payload))
	copy(packet[ipv4HeaderLen:], payload)
	return packet
}

func buildIPv4HeaderInto(
	packet []byte,
	src, dst net.IP,
	protocol protocolNumber,
	payloadLen int,
) {
	totalLen := ipv4HeaderLen + payloadLen
	packet[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	packet[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[4:6], 0) // ID
	binary.BigEndian.PutUint16(packet[6:8], 0) // Flags/FragOff
	packet[8] = 64                             // TTL
	packet[9] = byte(protocol)
	binary.BigEndian.PutUint16(packet[10:12], 0)
	copy(packet[12:16], src.To4())
	copy(packet[16:20], dst.To4())

	check := checksum(packet[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(packet[10:12], check)
}

func (ns *Stack) handleIPv4(srcMAC net.HardwareAddr, payload []byte) error {
	hdr, err := parseIPv4Header(payload)
	if err != nil {
		return err
	}

	if !hdr.dst.To4().Equal(net.IP(ns.hostIPv4[:])) {
		return nil
	}

	// Learn the sender's MAC so replies never stall on ARP.
	if src4 := hdr.src.To4(); src4 != nil {
		var a [4]byte
		copy(a[:], src4)
		ns.arp.learn(a, srcMAC)
	}

	switch hdr.protocol {
	case tcpProtocolNumber:
		return ns.handleTCP(hdr)
	case udpProtocolNumber:
		return ns.handleUDP(hdr, hdr.payload)
	case icmpProtocolNumber:
		return ns.handleICMP(hdr, hdr.payload)
	default:
		ns.log.Debug("netstack: drop unsupported ipv4 protocol", "proto", hdr.protocol.String())
		return nil
	}
}

// sendIPv4 encapsulates payload for dst, resolves the next-hop MAC and
// transmits the frame. A zero src means the stack's own address. Routing is
// trivial: every destination is treated as on-link.
func (ns *Stack) sendIPv4(src, dst [4]byte, proto protocolNumber, payload []byte) error {
	if src == ([4]byte{}) {
		src = ns.hostIPv4
	}
	dstMAC, err := ns.arp.resolve(dst)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", net.IP(dst[:]), err)
	}
	packet := buildIPv4Packet(net.IP(src[:]), net.IP(dst[:]), proto, payload)
	return ns.sendEthernet(dstMAC, etherTypeIPv4, packet)
}

////////////////////////////////////////////////////////////////////////////////
// ICMP (echo request/reply) - minimal, outside the TCP core.
////////////////////////////////////////////////////////////////////////////////

func (ns *Stack) handleICMP(h ipv4Header, payload []byte) error {
	if len(payload) < 8 {
		return nil
	}
	if payload[0] != 8 { // Echo Request
		return nil
	}

	received := binary.BigEndian.Uint16(payload[2:4])
	binary.BigEndian.PutUint16(payload[2:4], 0)
	calculated := checksum(payload)
	binary.BigEndian.PutUint16(payload[2:4], received)
	if received != calculated {
		ns.log.Debug("icmp: drop echo with bad checksum")
		return nil
	}

	reply := make([]byte, len(payload))
	reply[0] = 0 // Echo Reply
	reply[1] = payload[1]
	copy(reply[4:], payload[4:])
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum(reply))

	var dst [4]byte
	copy(dst[:], h.src.To4())
	return ns.sendIPv4(ns.hostIPv4, dst, icmpProtocolNumber, reply)
}

////////////////////////////////////////////////////////////////////////////////
// Checksums.
////////////////////////////////////////////////////////////////////////////////

func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderChecksum folds the IPv4 pseudo-header (saddr, daddr, zero,
// protocol, transport length) into an initial sum.
func pseudoHeaderChecksum(src, dst net.IP, protocol protocolNumber, length int) uint32 {
	src4 := src.To4()
	dst4 := dst.To4()
	sum := uint32(0)
	sum += uint32(binary.BigEndian.Uint16(src4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src4[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst4[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

func tcpChecksum(src, dst net.IP, segment []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, tcpProtocolNumber, len(segment))
	return checksumWithInitial(segment, ps)
}

func udpChecksum(src, dst net.IP, datagram []byte) uint16 {
	ps := pseudoHeaderChecksum(src, dst, udpProtocolNumber, len(datagram))
	return checksumWithInitial(datagram, ps)
}
