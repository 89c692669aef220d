package loadtest

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
)

// startEchoServer echoes datagrams. With a greeting, every new source
// address first gets the greeting, as a relay would send.
func startEchoServer(t *testing.T, greeting []byte) string {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		var mu sync.Mutex
		seen := make(map[netip.AddrPort]bool)
		buf := make([]byte, 65535)
		for {
			n, src, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			mu.Lock()
			first := !seen[src]
			seen[src] = true
			mu.Unlock()
			if first && greeting != nil {
				conn.WriteToUDPAddrPort(greeting, src)
			}
			conn.WriteToUDPAddrPort(buf[:n], src)
		}
	}()

	return conn.LocalAddr().String()
}

func TestDatagramLoadGenerator(t *testing.T) {
	target := startEchoServer(t, nil)
	gen := NewDatagramLoadGenerator(target, 4, 512, 200*time.Millisecond, 200*time.Millisecond)

	m, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Received == 0 {
		t.Fatal("expected some round trips")
	}
	if m.Sent < m.Received {
		t.Errorf("Sent = %d < Received = %d", m.Sent, m.Received)
	}
	// Only a reply in flight at the deadline may be lost.
	if m.Lost > int64(m.Clients) {
		t.Errorf("Lost = %d, want at most %d", m.Lost, m.Clients)
	}
	if m.Unexpected != 0 {
		t.Errorf("Unexpected = %d, want 0", m.Unexpected)
	}
	if m.BytesReceived != m.Received*512 {
		t.Errorf("BytesReceived = %d, want %d", m.BytesReceived, m.Received*512)
	}
	if m.MinLatencyMs > m.MaxLatencyMs {
		t.Errorf("MinLatencyMs %v > MaxLatencyMs %v", m.MinLatencyMs, m.MaxLatencyMs)
	}
	if !strings.Contains(m.String(), "clients=4") {
		t.Errorf("String() = %q", m.String())
	}
}

func TestDatagramLoadGenerator_CountsGreeting(t *testing.T) {
	target := startEchoServer(t, []byte("hello"))
	gen := NewDatagramLoadGenerator(target, 3, 64, 150*time.Millisecond, 200*time.Millisecond)

	m, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Unexpected != 3 {
		t.Errorf("Unexpected = %d, want one greeting per client (3)", m.Unexpected)
	}
	if m.Received == 0 {
		t.Error("expected round trips after the greeting")
	}
}

func TestDatagramLoadGenerator_DeadTarget(t *testing.T) {
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	target := probe.LocalAddr().String()
	probe.Close()

	gen := NewDatagramLoadGenerator(target, 1, 16, 150*time.Millisecond, 50*time.Millisecond)

	m, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Received != 0 {
		t.Errorf("Received = %d, want 0", m.Received)
	}
	if m.Lost == 0 {
		t.Error("expected lost datagrams")
	}
	if m.LossRate() != 1 {
		t.Errorf("LossRate = %v, want 1", m.LossRate())
	}
}

func TestDatagramLoadGenerator_InFlightAtDeadlineIsNotLost(t *testing.T) {
	silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer silent.Close()

	// Every reply wait outlasts the run, so each worker sends once and the
	// run ends while that datagram is still outstanding.
	gen := NewDatagramLoadGenerator(silent.LocalAddr().String(), 3, 16, 100*time.Millisecond, 5*time.Second)

	m, err := gen.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Sent != 3 {
		t.Errorf("Sent = %d, want 3", m.Sent)
	}
	if m.Lost != 0 {
		t.Errorf("Lost = %d, want 0", m.Lost)
	}
	if m.LossRate() != 0 {
		t.Errorf("LossRate = %v, want 0", m.LossRate())
	}
}

func TestDatagramLoadGenerator_BadTarget(t *testing.T) {
	gen := NewDatagramLoadGenerator("no-port", 1, 16, time.Second, time.Second)

	if _, err := gen.Run(context.Background()); err == nil {
		t.Error("expected error for invalid target")
	}
}

func TestNewDatagramLoadGenerator_Minimums(t *testing.T) {
	gen := NewDatagramLoadGenerator("127.0.0.1:1", 0, 1, time.Second, time.Second)

	if gen.concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", gen.concurrency)
	}
	if gen.payloadSize != MinPayloadSize {
		t.Errorf("payloadSize = %d, want %d", gen.payloadSize, MinPayloadSize)
	}
}
