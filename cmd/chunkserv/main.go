package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/chunkget/internal/chunkserver"
	"github.com/sheerbytes/chunkget/internal/config"
	"github.com/sheerbytes/chunkget/internal/fixture"
	"github.com/sheerbytes/chunkget/internal/logging"
	"github.com/sheerbytes/chunkget/internal/quicconn"
	"github.com/sheerbytes/chunkget/internal/termio"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func main() {
	termio.Init()
	cfg, err := config.ParseServerConfig()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			termio.Flush()
			return
		}
		fmt.Fprintln(termio.Stderr(), err)
		termio.Flush()
		os.Exit(2)
	}
	logger := logging.NewWithWriter("chunkserv", cfg.LogLevel, termio.Stderr())

	var store chunkserver.Store
	if cfg.StoreDir != "" {
		store, err = chunkserver.OpenBadgerStore(cfg.StoreDir)
		if err != nil {
			logger.Error("open store failed", "error", err)
			termio.Flush()
			os.Exit(1)
		}
	} else {
		store = chunkserver.NewMemoryStore()
	}
	defer store.Close()

	if len(cfg.Publish) > 0 {
		kinds, err := chunkserver.ParseEncodings(cfg.Encodings)
		if err != nil {
			logger.Error("bad encodings", "error", err)
			termio.Flush()
			os.Exit(2)
		}
		opts := fixture.Options{
			PartSize:   int(cfg.ChunkSize.Bytes()),
			Encodings:  kinds,
			Passphrase: cfg.Passphrase,
			Padded:     cfg.Passphrase != "",
			Uploader:   "chunkserv",
		}
		roots, err := chunkserver.Publish(afero.NewOsFs(), store, cfg.Publish, opts, logger)
		if err != nil {
			logger.Error("publish failed", "error", err)
			termio.Flush()
			os.Exit(1)
		}
		for i, h := range roots {
			fmt.Fprintf(termio.Stdout(), "published path=%s hash=%s\n", cfg.Publish[i], h)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := chunkserver.New(chunkserver.Config{Store: store, KeepAlive: cfg.KeepAlive, Logger: logger})
	g, gctx := errgroup.WithContext(ctx)
	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			logger.Error("tcp listen failed", "error", err)
			termio.Flush()
			os.Exit(1)
		}
		fmt.Fprintf(termio.Stdout(), "starting server url=tcp://%s\n", ln.Addr())
		g.Go(func() error { return srv.ServeTCP(gctx, ln) })
	}
	if cfg.QUICAddr != "" {
		ln, err := quicconn.Listen(cfg.QUICAddr, nil, logger)
		if err != nil {
			logger.Error("quic listen failed", "error", err)
			termio.Flush()
			os.Exit(1)
		}
		fmt.Fprintf(termio.Stdout(), "starting server url=quic://%s\n", ln.Addr())
		g.Go(func() error { return srv.ServeQUIC(gctx, ln) })
	}
	if cfg.WSAddr != "" {
		ln, err := net.Listen("tcp", cfg.WSAddr)
		if err != nil {
			logger.Error("websocket listen failed", "error", err)
			termio.Flush()
			os.Exit(1)
		}
		fmt.Fprintf(termio.Stdout(), "starting server url=ws://%s/ws\n", ln.Addr())
		g.Go(func() error { return srv.ServeWS(gctx, ln) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		termio.Flush()
		os.Exit(1)
	}
	srv.Wait()
	st := srv.Stats()
	fmt.Fprintf(termio.Stdout(), "stopped requests=%d hits=%d misses=%d\n", st.Requests, st.Hits, st.Misses)
	termio.Flush()
}
