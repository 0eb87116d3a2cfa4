package mux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sendQueueSize = 256

// Conn is the multiplexed connection to one host. A sender loop drains the
// send queue onto the stream and a receiver loop matches responses to
// requests by ID.
type Conn struct {
	m       *Mux
	host    string
	dial    DialFunc
	logger  *slog.Logger
	limiter *rate.Limiter
	sendq   chan *Request

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu           sync.Mutex
	outstanding  map[uint64]*Request
	newestID     uint64
	lastActivity time.Time
	closed       bool
	dials        int
}

func newConn(m *Mux, host string, dial DialFunc) *Conn {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Conn{
		m:            m,
		host:         host,
		dial:         dial,
		logger:       m.logger.With("host", host),
		limiter:      rate.NewLimiter(rate.Every(m.cfg.ReconnectSpacing), 1),
		sendq:        make(chan *Request, sendQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		outstanding:  make(map[uint64]*Request),
		lastActivity: m.cfg.Now(),
	}
}

// Host returns the host identifier the connection was opened for.
func (c *Conn) Host() string {
	return c.host
}

// Send queues payload and returns its request handle.
func (c *Conn) Send(payload []byte) (*Request, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	now := c.m.cfg.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.m.nextID.Add(1)
	req := &Request{
		ID:       id,
		conn:     c,
		payload:  payload,
		created:  now,
		extended: now,
		done:     make(chan struct{}),
	}
	c.outstanding[id] = req
	if id > c.newestID {
		c.newestID = id
	}
	c.mu.Unlock()

	select {
	case c.sendq <- req:
		return req, nil
	case <-c.ctx.Done():
		c.finish(req, nil, ErrClosed)
		return nil, ErrClosed
	}
}

// Call sends payload and waits for its response.
func (c *Conn) Call(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	req, err := c.Send(payload)
	if err != nil {
		return nil, err
	}
	return req.Await(ctx, timeout)
}

// Outstanding returns the number of unresolved requests.
func (c *Conn) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

// Dials returns how many times the stream has been dialed.
func (c *Conn) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Close removes the connection from its Mux and fails outstanding requests.
func (c *Conn) Close() error {
	c.m.remove(c)
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.purgeAll("connection closed", ErrClosed)
	})
}

func (c *Conn) finish(req *Request, resp []byte, err error) {
	c.mu.Lock()
	if cur, ok := c.outstanding[req.ID]; ok && cur == req {
		delete(c.outstanding, req.ID)
	}
	c.mu.Unlock()
	req.resolve(resp, err, c.m.cfg.Now())
}

func (c *Conn) run() {
	defer c.m.wg.Done()
	var carry *Request
	for {
		if carry == nil {
			select {
			case <-c.ctx.Done():
				return
			case req := <-c.sendq:
				if req.resolved() {
					continue
				}
				carry = req
			}
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		c.mu.Lock()
		c.dials++
		c.mu.Unlock()
		rwc, err := c.dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("connect failed", "error", err)
			c.purgeAll(fmt.Sprintf("connect failed: %v", err), ErrPurged)
			carry = nil
			continue
		}
		c.logger.Debug("connected")
		carry = c.serve(rwc, carry)
		if c.ctx.Err() != nil {
			return
		}
		c.purgeStale(carry)
	}
}

// serve pumps frames over one stream until it fails. It returns the request
// whose write failed, if any, so it can be resent after reconnecting.
func (c *Conn) serve(rwc io.ReadWriteCloser, first *Request) *Request {
	c.touch()
	readDone := make(chan error, 1)
	go func() {
		readDone <- c.readLoop(rwc)
	}()

	var failed *Request
	var cause error
	pending := first
loop:
	for {
		req := pending
		pending = nil
		if req == nil {
			select {
			case req = <-c.sendq:
			case err := <-readDone:
				cause = err
				readDone = nil
				break loop
			case <-c.ctx.Done():
				break loop
			}
		}
		if req.resolved() {
			continue
		}
		if err := WriteFrame(rwc, req.ID, req.payload); err != nil {
			failed = req
			cause = err
			break loop
		}
	}
	_ = rwc.Close()
	if readDone != nil {
		<-readDone
	}
	if cause != nil && c.ctx.Err() == nil {
		c.logger.Warn("connection lost, reconnecting", "error", cause)
	}
	return failed
}

func (c *Conn) readLoop(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		id, payload, err := ReadFrame(br)
		if err != nil {
			return err
		}
		c.deliver(id, payload)
	}
}

func (c *Conn) touch() {
	now := c.m.cfg.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) deliver(id uint64, payload []byte) {
	now := c.m.cfg.Now()
	c.mu.Lock()
	c.lastActivity = now
	req, ok := c.outstanding[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("response for unknown request", "id", id, "bytes", len(payload))
		return
	}
	if IsKeepAlive(payload) {
		age := now.Sub(req.created)
		if age <= c.m.cfg.KeepAliveCeiling {
			req.extended = now
			c.mu.Unlock()
			return
		}
		delete(c.outstanding, id)
		c.mu.Unlock()
		req.resolve(nil, &PurgeError{
			ID:     id,
			Host:   c.host,
			Age:    age,
			Reason: fmt.Sprintf("kept alive past %s", c.m.cfg.KeepAliveCeiling),
			Err:    ErrTimeout,
		}, now)
		return
	}
	delete(c.outstanding, id)
	c.mu.Unlock()
	req.resolve(payload, nil, now)
}

type victim struct {
	req *Request
	err error
}

func (c *Conn) resolveAll(victims []victim, now time.Time) {
	for _, v := range victims {
		v.req.resolve(nil, v.err, now)
	}
}

func (c *Conn) purgeAll(reason string, kind error) {
	now := c.m.cfg.Now()
	c.mu.Lock()
	victims := make([]victim, 0, len(c.outstanding))
	for id, req := range c.outstanding {
		victims = append(victims, victim{req, &PurgeError{ID: id, Host: c.host, Age: now.Sub(req.created), Reason: reason, Err: kind}})
		delete(c.outstanding, id)
	}
	c.mu.Unlock()
	c.resolveAll(victims, now)
}

// purgeStale drops requests sent on the lost stream that are further than
// ReconnectMargin below the newest ID. keep is resent and never purged.
func (c *Conn) purgeStale(keep *Request) {
	now := c.m.cfg.Now()
	c.mu.Lock()
	var victims []victim
	for id, req := range c.outstanding {
		if req == keep || id+c.m.cfg.ReconnectMargin >= c.newestID {
			continue
		}
		victims = append(victims, victim{req, &PurgeError{ID: id, Host: c.host, Age: now.Sub(req.created), Reason: "reconnecting", Err: ErrPurged}})
		delete(c.outstanding, id)
	}
	c.mu.Unlock()
	if len(victims) > 0 {
		c.logger.Debug("purged requests on reconnect", "count", len(victims))
	}
	c.resolveAll(victims, now)
}

func (c *Conn) sweep(now time.Time) {
	cfg := c.m.cfg
	c.mu.Lock()
	quiet := now.Sub(c.lastActivity)
	var victims []victim
	for id, req := range c.outstanding {
		age := now.Sub(req.created)
		var perr *PurgeError
		switch {
		case age > cfg.HardTimeout:
			perr = &PurgeError{ID: id, Host: c.host, Age: age, Reason: fmt.Sprintf("exceeded hard timeout %s", cfg.HardTimeout), Err: ErrTimeout}
		case now.Sub(req.extended) > cfg.CallbackTimeout && quiet > cfg.ServerQuietTimeout:
			perr = &PurgeError{ID: id, Host: c.host, Age: age, Reason: fmt.Sprintf("no callback and host quiet for %s", quiet.Round(time.Millisecond)), Err: ErrPurged}
		default:
			continue
		}
		victims = append(victims, victim{req, perr})
		delete(c.outstanding, id)
	}
	c.mu.Unlock()
	for _, v := range victims {
		c.logger.Debug("purged request", "id", v.req.ID, "reason", v.err)
	}
	c.resolveAll(victims, now)
}
