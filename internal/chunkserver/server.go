// Package chunkserver is a development host for the chunk protocol. It
// answers metadata and data requests from a Store over TCP, QUIC and
// WebSocket connections carrying multiplexer frames.
package chunkserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/chunkget/internal/mux"
	"github.com/sheerbytes/chunkget/internal/quicconn"
	"github.com/sheerbytes/chunkget/internal/wsconn"
	"github.com/sheerbytes/chunkget/pkg/hash"
	"github.com/sheerbytes/chunkget/pkg/protocol"
)

// DefaultKeepAlive is the interval between keep-alive frames for a request
// still being answered.
const DefaultKeepAlive = 2 * time.Second

// Config configures a Server.
type Config struct {
	Store Store
	// KeepAlive is the keep-alive interval. Negative disables keep-alives.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Stats counts served requests.
type Stats struct {
	Requests int64
	Hits     int64
	Misses   int64
}

// Server serves chunk requests. One Server can serve any number of
// connections on any mix of transports.
type Server struct {
	store     Store
	keepAlive time.Duration
	logger    *slog.Logger

	requests atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64

	wg sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	return &Server{store: cfg.Store, keepAlive: cfg.KeepAlive, logger: cfg.Logger}
}

// Store returns the backing store.
func (s *Server) Store() Store {
	return s.store
}

// Stats returns the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests: s.requests.Load(),
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
	}
}

// Wait blocks until every connection handed to the server has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// ServeConn answers requests on rwc until the peer goes away or ctx ends.
// Requests are answered concurrently; frames are written one at a time.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { _ = rwc.Close() }) }
	go func() {
		<-ctx.Done()
		closeConn()
	}()

	var wmu sync.Mutex
	write := func(id uint64, payload []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		return mux.WriteFrame(rwc, id, payload)
	}

	var handlers sync.WaitGroup
	var err error
	for {
		id, payload, rerr := mux.ReadFrame(rwc)
		if rerr != nil {
			if ctx.Err() == nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, net.ErrClosed) {
				err = rerr
			}
			break
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handle(ctx, id, payload, write)
		}()
	}
	cancel()
	closeConn()
	handlers.Wait()
	return err
}

// handle answers one request, sending keep-alive frames while the store
// is slow. The last keep-alive is written before the response.
func (s *Server) handle(ctx context.Context, id uint64, payload []byte, write func(uint64, []byte) error) {
	stop := make(chan struct{})
	var ka sync.WaitGroup
	if s.keepAlive > 0 {
		ka.Add(1)
		go func() {
			defer ka.Done()
			ticker := time.NewTicker(s.keepAlive)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := write(id, mux.KeepAlivePayload); err != nil {
						return
					}
				}
			}
		}()
	}
	resp := s.respond(payload)
	close(stop)
	ka.Wait()
	if ctx.Err() != nil {
		return
	}
	if err := write(id, resp); err != nil {
		s.logger.Debug("write response failed", "id", id, "error", err)
	}
}

func (s *Server) respond(payload []byte) []byte {
	s.requests.Add(1)
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	var get func(hash.Hash) ([]byte, error)
	switch req.Op {
	case protocol.OpPing:
		resp, _ := protocol.EncodeResponse(nil)
		return resp
	case protocol.OpGetMeta:
		get = s.store.GetMeta
	case protocol.OpGetData:
		get = s.store.GetData
	default:
		return protocol.EncodeError(fmt.Sprintf("unknown op 0x%02x", byte(req.Op)))
	}

	items := make([][]byte, len(req.Hashes))
	size := 0
	for i, h := range req.Hashes {
		b, err := get(h)
		if err != nil {
			s.logger.Error("store read failed", "hash", h.Short(), "error", err)
			return protocol.EncodeError("store unavailable")
		}
		if b == nil {
			s.misses.Add(1)
		} else {
			s.hits.Add(1)
		}
		items[i] = b
		size += len(b)
	}
	if size > mux.MaxPayload-int(protocol.MaxBatch)*5 {
		return protocol.EncodeError("response too large")
	}
	resp, err := protocol.EncodeResponse(items)
	if err != nil {
		return protocol.EncodeError(err.Error())
	}
	return resp
}

func (s *Server) serve(ctx context.Context, rwc io.ReadWriteCloser, transport string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.ServeConn(ctx, rwc); err != nil {
			s.logger.Warn("connection closed", "transport", transport, "error", err)
		}
	}()
}

// ServeTCP accepts connections on ln until ctx ends.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.logger.Info("serving tcp", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		s.logger.Debug("tcp connection accepted", "remote_addr", conn.RemoteAddr().String())
		s.serve(ctx, conn, "tcp")
	}
}

// ServeQUIC accepts connections on ln until ctx ends.
func (s *Server) ServeQUIC(ctx context.Context, ln *quicconn.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.logger.Info("serving quic", "addr", ln.Addr())
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		s.serve(ctx, stream, "quic")
	}
}

// Handler returns the HTTP surface: /health and the /ws upgrade endpoint.
// WebSocket connections end with ctx or their request.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mx := http.NewServeMux()
	mx.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "requests": s.requests.Load()})
	})
	mx.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsconn.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		s.logger.Debug("websocket connection accepted", "remote_addr", r.RemoteAddr)
		cctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(r.Context(), cancel)
		defer stop()
		s.wg.Add(1)
		defer s.wg.Done()
		if err := s.ServeConn(cctx, wsconn.Wrap(ws, s.logger)); err != nil {
			s.logger.Debug("websocket connection closed", "error", err)
		}
	})
	return mx
}

// ServeWS serves Handler on ln until ctx ends.
func (s *Server) ServeWS(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(ctx), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	s.logger.Info("serving websocket", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket serve: %w", err)
	}
	return nil
}
