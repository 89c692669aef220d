// Package chaos provides fault injection for datagram sockets in tests.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDrop silently discards a datagram.
	FaultDrop FaultType = iota
	// FaultDelay adds latency before a datagram is sent.
	FaultDelay
	// FaultError makes a write fail.
	FaultError
)

// String returns a human-readable name for the fault.
func (t FaultType) String() string {
	switch t {
	case FaultDrop:
		return "drop"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// noFault is returned by MaybeInject when nothing fires.
const noFault FaultType = -1

// ErrInjected is returned by writes failed with FaultError.
var ErrInjected = errors.New("chaos: injected error")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides which fault, if any, hits each operation.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates a fault injector. A fixed seed makes runs repeatable.
func NewFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// MaybeInject picks the first configured fault whose dice roll fires and
// returns it together with the delay to apply for FaultDelay.
func (f *FaultInjector) MaybeInject() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return noFault, 0
	}

	for _, cfg := range f.configs {
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			return FaultDelay, f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
		}
		return cfg.Type, 0
	}

	return noFault, 0
}

// Hits returns how many times each fault fired.
func (f *FaultInjector) Hits() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		out[k] = v
	}
	return out
}

// Reset clears hit counters.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with f.mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// PacketConn wraps a net.PacketConn and injects faults into WriteTo.
// Reads pass through untouched.
type PacketConn struct {
	net.PacketConn
	injector *FaultInjector
}

// WrapPacketConn returns conn with faults from injector applied to writes.
func WrapPacketConn(conn net.PacketConn, injector *FaultInjector) *PacketConn {
	return &PacketConn{PacketConn: conn, injector: injector}
}

// WriteTo sends p to addr unless a fault says otherwise. Dropped
// datagrams report success, as they would on a lossy network.
func (c *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	fault, delay := c.injector.MaybeInject()
	switch fault {
	case FaultDrop:
		return len(p), nil
	case FaultError:
		return 0, ErrInjected
	case FaultDelay:
		time.Sleep(delay)
	}
	return c.PacketConn.WriteTo(p, addr)
}
