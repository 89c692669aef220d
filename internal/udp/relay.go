package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/recovery"
)

// Transient error logging is limited to this many lines per second.
const (
	errorLogRate  = rate.Limit(5)
	errorLogBurst = 20
)

// Stats is a point-in-time view of relay counters.
type Stats struct {
	ActiveSessions  int    `json:"active_sessions"`
	SessionsCreated uint64 `json:"sessions_created"`
	Evictions       uint64 `json:"evictions"`
	MaxClients      int    `json:"max_clients"`
	LocalAddr       string `json:"local_addr"`
	RemoteAddr      string `json:"remote_addr"`
}

// Relay multiplexes client sessions over one bound socket.
type Relay struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	conn *net.UDPConn

	table *sessionTable

	active    atomic.Int64
	created   atomic.Uint64
	evictions atomic.Uint64

	errLimiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	serving   atomic.Bool
	serveDone chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a relay. Zero config fields take their defaults. A nil
// metrics value records into a private registry.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		config:     cfg.withDefaults(),
		logger:     logger.With(slog.String(logging.KeyComponent, "udp")),
		metrics:    m,
		table:      newSessionTable(),
		errLimiter: rate.NewLimiter(errorLogRate, errorLogBurst),
		ctx:        ctx,
		cancel:     cancel,
		serveDone:  make(chan struct{}),
	}
}

// Listen binds the shared socket.
func (r *Relay) Listen() error {
	if r.closed.Load() {
		return ErrRelayClosed
	}
	if !r.config.Remote.IsValid() {
		return fmt.Errorf("invalid remote address %q", r.config.Remote)
	}
	if !r.config.Bind.IsValid() {
		return fmt.Errorf("invalid bind address %q", r.config.Bind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return fmt.Errorf("already listening on %s", r.conn.LocalAddr())
	}

	conn, err := net.ListenUDP(r.config.listenNetwork(), net.UDPAddrFromAddrPort(r.config.Bind))
	if err != nil {
		return fmt.Errorf("bind %s: %w", r.config.Bind, err)
	}
	r.conn = conn

	r.logger.Info("relay listening",
		slog.String(logging.KeyBindAddr, conn.LocalAddr().String()),
		slog.String(logging.KeyRemoteAddr, r.config.Remote.String()),
		slog.Int("max_clients", r.config.MaxClients),
		slog.Bool("ipv4", r.config.IPv4))

	return nil
}

// Serve reads datagrams from the shared socket until ctx is cancelled or
// the relay is closed. Cancelling ctx closes the relay.
func (r *Relay) Serve(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	if conn == nil {
		return ErrNotListening
	}
	if !r.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer close(r.serveDone)

	if r.closed.Load() {
		return ErrRelayClosed
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-r.ctx.Done():
		}
	}()

	buf := make([]byte, r.config.BufferSize)
	for {
		n, src, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.closed.Load() {
				return nil
			}
			r.metrics.RecordReceiveError(metrics.DirectionUpstream)
			r.logTransient("read from client failed", slog.String(logging.KeyError, err.Error()))
			continue
		}

		r.HandleDatagram(src, buf[:n])
	}
}

// HandleDatagram processes one datagram received from src on the shared
// socket. Datagrams are dropped before Listen and after Close; payload is
// not retained.
func (r *Relay) HandleDatagram(src netip.AddrPort, payload []byte) {
	if r.closed.Load() || r.conn == nil {
		return
	}

	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	if s, ok := r.table.get(src); ok {
		r.forward(s, payload)
		return
	}

	r.greet(src)
	r.logger.Info("new client", slog.String(logging.KeyClientAddr, src.String()))

	if r.table.len() > r.config.MaxClients {
		r.evict()
	}

	network, wildcard := r.config.upstreamNetwork()
	conn, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(wildcard))
	if err != nil {
		r.metrics.RecordSessionSetupError(metrics.StageBind)
		r.logger.Error("failed to bind upstream socket",
			slog.String(logging.KeyStage, metrics.StageBind),
			slog.String(logging.KeyClientAddr, src.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	s := newSession(src, conn)
	r.table.insert(s)

	if err := associate(conn, r.config.Remote); err != nil {
		r.table.remove(src)
		s.discard()
		r.metrics.RecordSessionSetupError(metrics.StageAssociate)
		r.logger.Error("failed to associate upstream socket",
			slog.String(logging.KeyStage, metrics.StageAssociate),
			slog.String(logging.KeyClientAddr, src.String()),
			slog.String(logging.KeyRemoteAddr, r.config.Remote.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	s.setAssociated()

	r.active.Store(int64(r.table.len()))
	r.created.Add(1)
	r.metrics.RecordSessionOpen()

	r.logger.Debug("session established",
		slog.String(logging.KeyClientAddr, src.String()),
		slog.String(logging.KeySessionID, s.ID),
		slog.String(logging.KeyLocalAddr, s.LocalAddr().String()))

	r.forward(s, payload)

	r.table.track(s)
	recovery.Go(r.logger, "udp-session-relay", func() {
		r.relayLoop(s)
	}, func(any) {
		r.metrics.RecordTaskPanic()
	})
}

// greet sends the greeting blob to a new client.
func (r *Relay) greet(client netip.AddrPort) {
	if _, err := r.conn.WriteToUDPAddrPort(r.config.Greeting, client); err != nil {
		r.metrics.RecordSendError(metrics.DirectionDownstream)
		r.logTransient("failed to send greeting",
			slog.String(logging.KeyClientAddr, client.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	r.metrics.RecordGreeting()
}

// forward writes payload to the remote on the session's upstream socket.
func (r *Relay) forward(s *Session, payload []byte) {
	n, err := s.conn.Write(payload)
	if err != nil {
		r.metrics.RecordSendError(metrics.DirectionUpstream)
		r.logTransient("failed to forward datagram",
			slog.String(logging.KeyDirection, metrics.DirectionUpstream),
			slog.String(logging.KeyClientAddr, s.Client.String()),
			slog.String(logging.KeySessionID, s.ID),
			slog.String(logging.KeyError, err.Error()))
		return
	}
	s.bytesUp.Add(uint64(n))
	r.metrics.RecordDatagram(metrics.DirectionUpstream, n)
}

// evict empties the session table and cancels the old sessions off the
// listener goroutine.
func (r *Relay) evict() {
	old := r.table.reset()
	r.active.Store(0)
	r.evictions.Add(1)
	r.metrics.RecordEviction(len(old))

	var traffic uint64
	for _, s := range old {
		traffic += s.BytesUp() + s.BytesDown()
	}
	r.logger.Warn("session table full, evicting all sessions",
		slog.Int(logging.KeyCount, len(old)),
		slog.Int("max_clients", r.config.MaxClients),
		slog.String("evicted_traffic", humanize.IBytes(traffic)))

	recovery.Go(r.logger, "udp-evict", func() {
		for _, s := range old {
			s.Close()
		}
	}, nil)
}

// relayLoop copies datagrams from the session's upstream socket to the
// client until the session is closed.
func (r *Relay) relayLoop(s *Session) {
	defer close(s.done)

	buf := make([]byte, r.config.BufferSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				r.logger.Debug("session relay stopped",
					slog.String(logging.KeyClientAddr, s.Client.String()),
					slog.String(logging.KeySessionID, s.ID),
					slog.Uint64(logging.KeyBytes, s.BytesUp()+s.BytesDown()),
					slog.Duration(logging.KeyDuration, time.Since(s.CreatedAt)))
				return
			}
			r.metrics.RecordReceiveError(metrics.DirectionDownstream)
			r.logTransient("read from remote failed",
				slog.String(logging.KeyClientAddr, s.Client.String()),
				slog.String(logging.KeySessionID, s.ID),
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		if _, err := r.conn.WriteToUDPAddrPort(buf[:n], s.Client); err != nil {
			r.metrics.RecordSendError(metrics.DirectionDownstream)
			r.logTransient("failed to send reply",
				slog.String(logging.KeyDirection, metrics.DirectionDownstream),
				slog.String(logging.KeyClientAddr, s.Client.String()),
				slog.String(logging.KeySessionID, s.ID),
				slog.String(logging.KeyError, err.Error()))
			continue
		}
		s.bytesDown.Add(uint64(n))
		r.metrics.RecordDatagram(metrics.DirectionDownstream, n)
	}
}

// logTransient logs per-datagram failures through a rate limiter.
func (r *Relay) logTransient(msg string, attrs ...any) {
	if !r.errLimiter.Allow() {
		return
	}
	r.logger.Warn(msg, attrs...)
}

// LocalAddr returns the shared socket's address, or an invalid AddrPort
// before Listen.
func (r *Relay) LocalAddr() netip.AddrPort {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return netip.AddrPort{}
	}
	if addr, ok := r.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.AddrPort()
	}
	return netip.AddrPort{}
}

// IsRunning reports whether the relay is listening and not closed.
func (r *Relay) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conn != nil && !r.closed.Load()
}

// Stats returns current relay counters.
func (r *Relay) Stats() Stats {
	stats := Stats{
		ActiveSessions:  int(r.active.Load()),
		SessionsCreated: r.created.Load(),
		Evictions:       r.evictions.Load(),
		MaxClients:      r.config.MaxClients,
		RemoteAddr:      r.config.Remote.String(),
	}
	if addr := r.LocalAddr(); addr.IsValid() {
		stats.LocalAddr = addr.String()
	}
	return stats
}

// Close closes the shared socket, waits for Serve to return and closes
// every session. It is safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()

		r.mu.Lock()
		if r.conn != nil {
			r.closeErr = r.conn.Close()
		}
		r.mu.Unlock()

		if r.serving.Load() {
			<-r.serveDone
		}

		old := r.table.reset()
		for _, s := range old {
			s.Close()
		}
		r.active.Store(0)
		r.metrics.RecordSessionsClosed(len(old))

		r.logger.Info("relay closed", slog.Int(logging.KeyCount, len(old)))
	})
	return r.closeErr
}
