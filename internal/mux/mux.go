// Package mux turns one long-lived connection per host into many
// concurrently outstanding request/response exchanges.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPurged is wrapped by every PurgeError not caused by a timeout.
	ErrPurged = errors.New("request purged")
	// ErrTimeout is wrapped by PurgeErrors raised by a deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrClosed is returned when sending on a closed Conn or Mux.
	ErrClosed = errors.New("connection closed")
)

// PurgeError resolves a request that never got its response.
type PurgeError struct {
	ID     uint64
	Host   string
	Age    time.Duration
	Reason string
	Err    error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("request %d to %s purged after %s: %s", e.ID, e.Host, e.Age.Round(time.Millisecond), e.Reason)
}

func (e *PurgeError) Unwrap() error {
	return e.Err
}

// DialFunc opens the byte stream for a host. It is called lazily and again
// after every I/O failure.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Config controls request deadlines and reconnect behavior.
type Config struct {
	// CallbackTimeout is the soft per-request deadline.
	CallbackTimeout time.Duration
	// ServerQuietTimeout is how long a host must be silent before a request
	// past CallbackTimeout is purged.
	ServerQuietTimeout time.Duration
	// HardTimeout purges any request older than this.
	HardTimeout time.Duration
	// KeepAliveCeiling stops keep-alives from extending a request.
	KeepAliveCeiling time.Duration
	SweepInterval    time.Duration
	// ReconnectSpacing is the minimum gap between dials to one host.
	ReconnectSpacing time.Duration
	// ReconnectMargin is the ID distance below the newest request under
	// which outstanding requests are purged on reconnect.
	ReconnectMargin uint64
	Logger          *slog.Logger
	Now             func() time.Time
}

// DefaultConfig returns production deadlines.
func DefaultConfig() Config {
	return Config{
		CallbackTimeout:    30 * time.Second,
		ServerQuietTimeout: 10 * time.Second,
		HardTimeout:        10 * time.Minute,
		KeepAliveCeiling:   5 * time.Minute,
		SweepInterval:      time.Second,
		ReconnectSpacing:   500 * time.Millisecond,
		ReconnectMargin:    4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = def.CallbackTimeout
	}
	if c.ServerQuietTimeout <= 0 {
		c.ServerQuietTimeout = def.ServerQuietTimeout
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = def.HardTimeout
	}
	if c.KeepAliveCeiling <= 0 {
		c.KeepAliveCeiling = def.KeepAliveCeiling
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReconnectSpacing <= 0 {
		c.ReconnectSpacing = def.ReconnectSpacing
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Mux owns request IDs and the purge sweep for a set of host connections.
type Mux struct {
	cfg    Config
	logger *slog.Logger
	nextID atomic.Uint64

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Mux and its sweep loop.
func New(cfg Config) *Mux {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mux{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Open returns the connection for host, creating it if needed. The stream
// is dialed on the first Send.
func (m *Mux) Open(host string, dial DialFunc) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if c, ok := m.conns[host]; ok {
		return c, nil
	}
	c := newConn(m, host, dial)
	m.conns[host] = c
	m.wg.Add(1)
	go c.run()
	return c, nil
}

// Close tears down every connection and fails their outstanding requests.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = map[string]*Conn{}
	m.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Mux) remove(c *Conn) {
	m.mu.Lock()
	if cur, ok := m.conns[c.host]; ok && cur == c {
		delete(m.conns, c.host)
	}
	m.mu.Unlock()
}

func (m *Mux) snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Mux) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep purges requests that outlived their deadlines.
func (m *Mux) sweep() {
	now := m.cfg.Now()
	for _, c := range m.snapshot() {
		c.sweep(now)
	}
}

// Request is one in-flight exchange.
type Request struct {
	ID      uint64
	conn    *Conn
	payload []byte
	created time.Time

	// guarded by conn.mu
	extended time.Time

	once      sync.Once
	done      chan struct{}
	resp      []byte
	err       error
	completed time.Time
}

// Host returns the host the request was sent to.
func (r *Request) Host() string {
	return r.conn.host
}

func (r *Request) resolve(resp []byte, err error, now time.Time) bool {
	won := false
	r.once.Do(func() {
		r.resp = resp
		r.err = err
		r.completed = now
		close(r.done)
		won = true
	})
	return won
}

func (r *Request) resolved() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done is closed once the request has an outcome.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Await blocks until the response arrives, the request is purged, the
// timeout elapses or ctx ends. A timeout of zero waits for the sweep.
func (r *Request) Await(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-r.done:
	case <-timer:
		now := r.conn.m.cfg.Now()
		r.conn.finish(r, nil, &PurgeError{
			ID:     r.ID,
			Host:   r.conn.host,
			Age:    now.Sub(r.created),
			Reason: fmt.Sprintf("no response within %s", timeout),
			Err:    ErrTimeout,
		})
	case <-ctx.Done():
		r.conn.finish(r, nil, ctx.Err())
	}
	<-r.done
	return r.resp, r.err
}
