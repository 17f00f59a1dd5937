// Package test wires the tapstack user-space stack to a gVisor netstack
// frame-for-frame, so interop tests run against an independent, known-good
// TCP implementation on the far side of the link.
package test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/virtrange/tapstack/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

const gvisorNICID tcpip.NICID = 1

var (
	stackIPv4 = net.IPv4(10, 0, 0, 4)
	guestIPv4 = net.IPv4(10, 0, 0, 1)
)

type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	// tapstack side.
	ns *netstack.Stack

	// gVisor side.
	gs      *stack.Stack
	ch      *channel.Endpoint
	guestMA net.HardwareAddr
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil || len(ip4) != 4 {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:       tb,
		ctx:     ctx,
		cancel:  cancel,
		guestMA: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ns, err := netstack.New(logger, stackIPv4)
	if err != nil {
		tb.Fatalf("new stack: %v", err)
	}
	h.ns = ns

	// gVisor stack + channel endpoint. channel.Endpoint.MTU is treated as
	// the L2 MTU by ethernet.Endpoint, which subtracts the ethernet header
	// length to get the L3 MTU; use 1500 L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(h.guestMA)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(guestIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     mustAddrFrom4(stackIPv4),
			NIC:         gvisorNICID,
		},
	})

	// tapstack -> gVisor.
	h.ns.AttachBackend(func(frame []byte) error {
		out := append([]byte(nil), frame...)
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(out),
		})
		// The ethernet link endpoint parses the ethernet header from the
		// packet contents and ignores the protocol argument.
		h.ch.InjectInbound(0, pkt)
		return nil
	})

	// gVisor -> tapstack.
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			b := pkt.ToView().AsSlice()
			out := append([]byte(nil), b...)
			pkt.DecRef()
			_ = h.ns.DeliverFrame(out)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		_ = h.ns.Close()
	})
	return h
}

func (h *gvisorHarness) dialStack(port uint16) (net.Conn, error) {
	return gonet.DialTCP(h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(stackIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func (h *gvisorHarness) listenGuest(port uint16) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(h.gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(guestIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
}

func awaitState(tb testing.TB, sock *netstack.Socket, want netstack.State, timeout time.Duration) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for sock.State() != want {
		if time.Now().After(deadline) {
			tb.Fatalf("socket state = %s, want %s", sock.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
