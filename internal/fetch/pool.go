package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/chunkget/internal/hosts"
	"github.com/sheerbytes/chunkget/internal/mux"
	"github.com/sheerbytes/chunkget/internal/quicconn"
	"github.com/sheerbytes/chunkget/internal/wsconn"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Mux mux.Config
	// Table maps host identifiers to URLs. Identifiers that already are
	// URLs are used as-is.
	Table hosts.Table
	// IdleTimeout closes unleased connections idle this long.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// Pool shares multiplexed connections across downloads. Connections a
// task leases stay open until the lease is released.
type Pool struct {
	mux    *mux.Mux
	table  hosts.Table
	idle   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*mux.Conn
	leases   map[string]int
	lastUsed map[string]time.Time
}

// NewPool creates a Pool with its own Mux.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mux.Logger == nil {
		cfg.Mux.Logger = cfg.Logger
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	return &Pool{
		mux:      mux.New(cfg.Mux),
		table:    cfg.Table,
		idle:     cfg.IdleTimeout,
		logger:   cfg.Logger,
		conns:    make(map[string]*mux.Conn),
		leases:   make(map[string]int),
		lastUsed: make(map[string]time.Time),
	}
}

// Get returns the live connection for host, opening it if needed.
func (p *Pool) Get(host string) (*mux.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUsed[host] = time.Now()
	if c, ok := p.conns[host]; ok {
		return c, nil
	}
	rawURL, err := p.resolve(host)
	if err != nil {
		return nil, err
	}
	dial, err := Dialer(rawURL, p.logger)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", host, err)
	}
	c, err := p.mux.Open(host, dial)
	if err != nil {
		return nil, err
	}
	p.conns[host] = c
	return c, nil
}

func (p *Pool) resolve(host string) (string, error) {
	if strings.Contains(host, "://") {
		return host, nil
	}
	if p.table == nil {
		return "", fmt.Errorf("%w: %s", hosts.ErrUnknownHost, host)
	}
	st, err := hosts.Lookup(p.table, host)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, host)
	}
	return st.URL, nil
}

// Lease pins hosts for the duration of a task.
type Lease struct {
	pool  *Pool
	hosts []string
	once  sync.Once
}

// Lease pins the given hosts until Release is called.
func (p *Pool) Lease(hostIDs []string) *Lease {
	p.mu.Lock()
	for _, h := range hostIDs {
		p.leases[h]++
	}
	p.mu.Unlock()
	return &Lease{pool: p, hosts: append([]string(nil), hostIDs...)}
}

// Release unpins the lease's hosts. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		now := time.Now()
		for _, h := range l.hosts {
			if p.leases[h]--; p.leases[h] <= 0 {
				delete(p.leases, h)
			}
			p.lastUsed[h] = now
		}
		p.mu.Unlock()
	})
}

// Leased reports how many leases pin host.
func (p *Pool) Leased(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leases[host]
}

// CloseIdle closes unleased connections unused for the idle timeout.
func (p *Pool) CloseIdle() int {
	p.mu.Lock()
	var victims []*mux.Conn
	now := time.Now()
	for host, c := range p.conns {
		if p.leases[host] > 0 || now.Sub(p.lastUsed[host]) < p.idle {
			continue
		}
		victims = append(victims, c)
		delete(p.conns, host)
		delete(p.lastUsed, host)
	}
	p.mu.Unlock()
	for _, c := range victims {
		p.logger.Debug("closing idle connection", "host", c.Host())
		_ = c.Close()
	}
	return len(victims)
}

// Run closes idle connections periodically until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CloseIdle()
		}
	}
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.conns = make(map[string]*mux.Conn)
	p.mu.Unlock()
	return p.mux.Close()
}

// Dialer returns the stream dialer for a host URL. Supported schemes are
// quic, tcp, ws and wss.
func Dialer(rawURL string, logger *slog.Logger) (mux.DialFunc, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse host url: %w", err)
	}
	switch u.Scheme {
	case "quic":
		addr := u.Host
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return quicconn.Dial(ctx, addr, nil, logger)
		}, nil
	case "tcp":
		addr := u.Host
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}, nil
	case "ws", "wss":
		return func(ctx context.Context) (io.ReadWriteCloser, error) {
			return wsconn.Dial(ctx, rawURL, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported host url scheme %q", u.Scheme)
	}
}
