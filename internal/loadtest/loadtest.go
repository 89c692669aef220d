// Package loadtest generates round-trip datagram load against a UDP relay.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// MinPayloadSize leaves room for the sequence number prefix.
const MinPayloadSize = 8

// DatagramMetrics contains results from a round-trip load test.
type DatagramMetrics struct {
	Clients        int
	Sent           int64
	Received       int64
	Lost           int64
	Unexpected     int64
	BytesSent      int64
	BytesReceived  int64
	AvgLatencyMs   float64
	MaxLatencyMs   float64
	MinLatencyMs   float64
	Duration       time.Duration
	RoundTripsPerS float64
	ThroughputMBps float64
}

// LossRate returns the fraction of settled datagrams (answered or timed
// out) that never came back. Datagrams in flight when the run ends are
// not counted.
func (m *DatagramMetrics) LossRate() float64 {
	settled := m.Received + m.Lost
	if settled == 0 {
		return 0
	}
	return float64(m.Lost) / float64(settled)
}

// String summarizes the metrics on one line.
func (m *DatagramMetrics) String() string {
	var perSecond uint64
	if seconds := m.Duration.Seconds(); seconds > 0 {
		perSecond = uint64(float64(m.BytesSent+m.BytesReceived) / seconds)
	}
	return fmt.Sprintf("clients=%d sent=%d received=%d lost=%d (%.1f%%) unexpected=%d latency min/avg/max=%.2f/%.2f/%.2fms rate=%.0f/s throughput=%s/s",
		m.Clients, m.Sent, m.Received, m.Lost, m.LossRate()*100, m.Unexpected,
		m.MinLatencyMs, m.AvgLatencyMs, m.MaxLatencyMs, m.RoundTripsPerS,
		humanize.IBytes(perSecond))
}

// DatagramLoadGenerator runs concurrent clients, each on its own socket,
// that send a payload and wait for the identical payload to come back.
type DatagramLoadGenerator struct {
	target      string
	concurrency int
	payloadSize int
	duration    time.Duration
	timeout     time.Duration

	sent       atomic.Int64
	received   atomic.Int64
	lost       atomic.Int64
	unexpected atomic.Int64
	bytesSent  atomic.Int64
	bytesRecv  atomic.Int64

	mu           sync.Mutex
	latencySumMs float64
	maxLatencyMs float64
	minLatencyMs float64
}

// NewDatagramLoadGenerator creates a generator against target (host:port).
// timeout bounds the wait for each reply.
func NewDatagramLoadGenerator(target string, concurrency, payloadSize int, duration, timeout time.Duration) *DatagramLoadGenerator {
	if payloadSize < MinPayloadSize {
		payloadSize = MinPayloadSize
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &DatagramLoadGenerator{
		target:       target,
		concurrency:  concurrency,
		payloadSize:  payloadSize,
		duration:     duration,
		timeout:      timeout,
		minLatencyMs: float64(^uint64(0) >> 1),
	}
}

// Run executes the load test until the duration elapses or ctx is cancelled.
func (g *DatagramLoadGenerator) Run(ctx context.Context) (*DatagramMetrics, error) {
	addr, err := net.ResolveUDPAddr("udp", g.target)
	if err != nil {
		return nil, fmt.Errorf("resolve target: %w", err)
	}

	conns := make([]*net.UDPConn, 0, g.concurrency)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < g.concurrency; i++ {
		conn, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return nil, fmt.Errorf("dial target: %w", err)
		}
		conns = append(conns, conn)
	}

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	start := time.Now()

	for _, conn := range conns {
		wg.Add(1)
		go func(conn *net.UDPConn) {
			defer wg.Done()
			g.runWorker(ctx, conn)
		}(conn)
	}

	wg.Wait()

	m := &DatagramMetrics{
		Clients:       g.concurrency,
		Sent:          g.sent.Load(),
		Received:      g.received.Load(),
		Lost:          g.lost.Load(),
		Unexpected:    g.unexpected.Load(),
		BytesSent:     g.bytesSent.Load(),
		BytesReceived: g.bytesRecv.Load(),
		Duration:      time.Since(start),
		MaxLatencyMs:  g.maxLatencyMs,
	}

	if m.Received > 0 {
		m.AvgLatencyMs = g.latencySumMs / float64(m.Received)
		m.MinLatencyMs = g.minLatencyMs
	}
	if seconds := m.Duration.Seconds(); seconds > 0 {
		m.RoundTripsPerS = float64(m.Received) / seconds
		m.ThroughputMBps = float64(m.BytesSent+m.BytesReceived) / (1024 * 1024) / seconds
	}

	return m, nil
}

func (g *DatagramLoadGenerator) runWorker(ctx context.Context, conn *net.UDPConn) {
	payload := make([]byte, g.payloadSize)
	rand.Read(payload)
	buf := make([]byte, 65535)

	for seq := uint64(0); !finished(ctx); seq++ {
		binary.BigEndian.PutUint64(payload, seq)

		start := time.Now()
		n, err := conn.Write(payload)
		if err != nil {
			if finished(ctx) {
				return
			}
			g.sent.Add(1)
			g.lost.Add(1)
			continue
		}
		g.sent.Add(1)
		g.bytesSent.Add(int64(n))

		if !g.awaitReply(ctx, conn, payload, buf) {
			// A wait cut short by the end of the run is not a loss.
			if finished(ctx) {
				return
			}
			g.lost.Add(1)
			continue
		}

		g.received.Add(1)
		g.bytesRecv.Add(int64(len(payload)))
		g.recordLatency(float64(time.Since(start).Microseconds()) / 1000)
	}
}

// finished reports whether the run is over. The wall-clock deadline can pass
// slightly before ctx.Done is closed.
func finished(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && !time.Now().Before(d)
}

// awaitReply reads until payload comes back, counting anything else (the
// relay's greeting, late replies) as unexpected.
func (g *DatagramLoadGenerator) awaitReply(ctx context.Context, conn *net.UDPConn, payload, buf []byte) bool {
	deadline := time.Now().Add(g.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false
			}
			if errors.Is(err, net.ErrClosed) {
				return false
			}
			// ICMP errors surface here on connected sockets.
			if time.Now().After(deadline) {
				return false
			}
			continue
		}
		if bytes.Equal(buf[:n], payload) {
			return true
		}
		g.unexpected.Add(1)
	}
}

func (g *DatagramLoadGenerator) recordLatency(ms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.latencySumMs += ms
	if ms > g.maxLatencyMs {
		g.maxLatencyMs = ms
	}
	if ms < g.minLatencyMs {
		g.minLatencyMs = ms
	}
}
