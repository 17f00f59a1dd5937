package netstack

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// dnsServer is a tiny responder mounted on the stack's own UDP datapath.
// It answers A queries for a couple of internal names and falls back to the
// host resolver for everything else.
type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup func(name string) (string, error)
}

func newDNSServer(logger *slog.Logger, lookup func(name string) (string, error), packetConn net.PacketConn) *dnsServer {
	srv := &dnsServer{
		log:    logger,
		lookup: lookup,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Addr:       ":53",
		Net:        "udp",
		Handler:    mux,
		PacketConn: packetConn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn("dns: server stopped", "err", err)
		}
	}()
}

func (s *dnsServer) stop() {
	if err := s.server.Shutdown(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("dns: shutdown", "err", err)
	}
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		addr, err := s.lookup(q.Name)
		if err != nil {
			s.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			m.Rcode = dns.RcodeNameError
			continue
		}
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, addr))
		if err != nil {
			s.log.Warn("dns: build rr", "name", q.Name, "err", err)
			continue
		}
		m.Answer = append(m.Answer, rr)
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.Warn("dns: write reply", "err", err)
	}
}

// StartDNSServer binds UDP:53 on the stack and serves A lookups: a few
// internal hostnames first, the host resolver as fallback.
func (ns *Stack) StartDNSServer() error {
	if ns.dnsServer != nil {
		return nil
	}

	lookup := func(name string) (string, error) {
		n := strings.TrimSuffix(strings.ToLower(name), ".")
		if n == "tapstack.internal" || n == "host.internal" {
			return net.IP(ns.hostIPv4[:]).String(), nil
		}
		addr, err := net.ResolveIPAddr("ip4", n)
		if err != nil {
			return "", err
		}
		return addr.IP.String(), nil
	}

	packetConn, err := ns.ListenPacket("udp", ":53")
	if err != nil {
		return fmt.Errorf("listen udp port 53: %w", err)
	}

	srv := newDNSServer(ns.log, lookup, packetConn)
	ns.dnsServer = srv
	srv.start()
	return nil
}

// StopDNSServer shuts the embedded DNS server down, if running.
func (ns *Stack) StopDNSServer() {
	if ns.dnsServer == nil {
		return
	}
	srv := ns.dnsServer
	ns.dnsServer = nil

	done := make(chan struct{})
	go func() {
		srv.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		ns.log.Warn("dns: shutdown timed out")
	}
}
