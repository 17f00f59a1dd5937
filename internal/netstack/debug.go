// Debug HTTP endpoint providing a JSON status snapshot and Prometheus
// metrics.

package netstack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type debugServer struct {
	srv  *http.Server
	ln   net.Listener
	addr string
	wg   sync.WaitGroup
}

// EnableDebugHTTP starts a small server exposing internal state at /status
// and Prometheus metrics at /metrics.
func (ns *Stack) EnableDebugHTTP(addr string) error {
	if addr == "" {
		return nil
	}

	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()

	if ns.debugSrv != nil {
		return fmt.Errorf("debug http already enabled at %s", ns.debugSrv.addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen debug http: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", ns.handleDebugStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(ns.metrics.registry, promhttp.HandlerOpts{}))

	ds := &debugServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		addr: ln.Addr().String(),
	}
	ns.debugSrv = ds

	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		if err := ds.srv.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) &&
			!errors.Is(err, net.ErrClosed) {
			ns.log.Warn("netstack: debug http serve", "err", err)
		}
	}()
	return nil
}

// DebugHTTPAddr returns the bound address of the debug HTTP server.
func (ns *Stack) DebugHTTPAddr() string {
	ns.debugMu.Lock()
	defer ns.debugMu.Unlock()
	if ns.debugSrv == nil {
		return ""
	}
	return ns.debugSrv.addr
}

func (ns *Stack) stopDebugHTTP() {
	ns.debugMu.Lock()
	ds := ns.debugSrv
	ns.debugSrv = nil
	ns.debugMu.Unlock()

	if ds == nil {
		return
	}
	_ = ds.ln.Close()
	_ = ds.srv.Close()
	ds.wg.Wait()
}

// debugStatus is the JSON structure exposed at /status.
type debugStatus struct {
	HostIPv4             string   `json:"hostIPv4"`
	HostMAC              string   `json:"hostMAC"`
	TCPListeners         []string `json:"tcpListeners"`
	TCPConnections       []string `json:"tcpConnections"`
	UDPSockets           []uint16 `json:"udpSockets"`
	RetransmitQueueDepth int      `json:"retransmitQueueDepth"`
	DebugAddr            string   `json:"debugAddr"`
}

func (ns *Stack) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	status := ns.collectDebugStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		ns.log.Warn("netstack: debug status encode", "err", err)
	}
}

func (ns *Stack) collectDebugStatus() debugStatus {
	status := debugStatus{
		HostIPv4:             net.IP(ns.hostIPv4[:]).String(),
		HostMAC:              ns.hostMAC.String(),
		RetransmitQueueDepth: ns.rtq.depth(),
		DebugAddr:            ns.DebugHTTPAddr(),
	}

	ns.tcpMu.Lock()
	for key := range ns.tcpListen {
		status.TCPListeners = append(status.TCPListeners,
			fmt.Sprintf("%s:%d", net.IP(key.addr[:]), key.port))
	}
	conns := make([]*tcpConn, 0, len(ns.tcpConns))
	for _, c := range ns.tcpConns {
		conns = append(conns, c)
	}
	ns.tcpMu.Unlock()

	for _, c := range conns {
		status.TCPConnections = append(status.TCPConnections,
			fmt.Sprintf("%s [%s]", c.id.String(), c.currentState()))
	}

	ns.udpSockets.Range(func(key, value any) bool {
		if port, ok := key.(uint16); ok {
			status.UDPSockets = append(status.UDPSockets, port)
		}
		return true
	})

	sort.Strings(status.TCPListeners)
	sort.Strings(status.TCPConnections)
	sort.Slice(status.UDPSockets, func(i, j int) bool { return status.UDPSockets[i] < status.UDPSockets[j] })
	return status
}
