// Command tapstack brings up a user-space TCP/IPv4 stack on a TAP device
// and runs either an echo server (default) or an interactive client loop
// ("client" argument).
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/virtrange/tapstack/internal/netstack"
	"github.com/virtrange/tapstack/internal/tuntap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tapstack: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	tapName := flag.String("tap", "tap0", "TAP interface name")
	stackAddr := flag.String("addr", "10.0.0.4", "address of the user-space stack")
	hostAddr := flag.String("host-addr", "10.0.0.1", "address assigned to the host side of the TAP interface")
	prefixLen := flag.Int("prefix", 24, "subnet prefix length")
	port := flag.Uint("port", 5501, "echo server port")
	peer := flag.String("peer", "10.0.0.1", "peer address for client mode")
	pcapPath := flag.String("pcap", "", "write a packet capture to this file")
	debugAddr := flag.String("debug", "", "serve /status and /metrics on this address")
	dnsServer := flag.Bool("dns", false, "run the embedded DNS server on udp:53")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	stackIP := net.ParseIP(*stackAddr)
	if stackIP == nil {
		return fmt.Errorf("invalid stack address %q", *stackAddr)
	}
	hostIP := net.ParseIP(*hostAddr)
	if hostIP == nil {
		return fmt.Errorf("invalid host address %q", *hostAddr)
	}

	stack, err := netstack.New(logger, stackIP)
	if err != nil {
		return err
	}
	defer stack.Close()

	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		if err := stack.OpenPacketCapture(f); err != nil {
			return err
		}
	}
	if *debugAddr != "" {
		if err := stack.EnableDebugHTTP(*debugAddr); err != nil {
			return err
		}
		logger.Info("debug http listening", "addr", stack.DebugHTTPAddr())
	}

	dev, err := tuntap.Open(*tapName)
	if err != nil {
		return err
	}
	if err := dev.ConfigureHostAddress(hostIP, *prefixLen); err != nil {
		return fmt.Errorf("configure %s: %w", dev.Name(), err)
	}
	logger.Info("tap interface up",
		"dev", dev.Name(),
		"host", hostIP.String(),
		"stack", stackIP.String(),
	)
	stack.Attach(dev)

	if *dnsServer {
		if err := stack.StartDNSServer(); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		stack.Close()
		os.Exit(0)
	}()

	if flag.Arg(0) == "client" {
		return runClient(logger, stack, *peer, uint16(*port))
	}
	return runServer(logger, stack, *stackAddr, uint16(*port))
}

// runServer accepts connections and echoes every received byte back.
func runServer(logger *slog.Logger, stack *netstack.Stack, addr string, port uint16) error {
	listener, err := stack.Listen(addr, port, 16)
	if err != nil {
		return err
	}
	logger.Info("echo server listening", "addr", addr, "port", port)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, netstack.ErrNotListening) {
				return nil
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		go echo(logger, conn)
	}
}

func echo(logger *slog.Logger, conn *netstack.Socket) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("read failed", "err", err)
			}
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			logger.Warn("write failed", "err", err)
			return
		}
	}
}

// runClient connects to the peer and round-trips stdin lines.
func runClient(logger *slog.Logger, stack *netstack.Stack, peer string, port uint16) error {
	conn, err := stack.Connect(peer, port)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger.Info("connected", "peer", peer, "port", port)

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := conn.Write(line); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("%s\n", buf[:n])
	}
	return scanner.Err()
}
