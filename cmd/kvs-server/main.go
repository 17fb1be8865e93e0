// Command kvs-server listens for client connections and serves Get/Set/
// Delete against a data directory using either the log-structured kvs
// engine or the bbolt-backed alternate engine (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rkatre/kvs/internal/engine"
	"github.com/rkatre/kvs/internal/engine/bolt"
	"github.com/rkatre/kvs/internal/engine/kvs"
	"github.com/rkatre/kvs/internal/server"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:4000", "TCP listen address")
		engineName = flag.String("engine", "kvs", "storage engine: kvs|sled")
		dataDir    = flag.String("data-dir", ".", "data directory")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	requested := engine.Kind(*engineName)
	if requested != engine.KindKVS && requested != engine.KindBolt {
		log.Fatalf("unknown --engine %q: must be %q or %q", *engineName, engine.KindKVS, engine.KindBolt)
	}

	onDisk, err := engine.Detect(*dataDir)
	if err != nil {
		log.Fatalf("could not inspect data directory %q: %v", *dataDir, err)
	}
	if onDisk != "" && onDisk != requested {
		log.Fatalf("--engine %q disagrees with on-disk evidence of engine %q in %q", requested, onDisk, *dataDir)
	}

	eng, err := openEngine(requested, *dataDir, log)
	if err != nil {
		log.Fatalf("could not open %q engine: %v", requested, err)
	}

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("could not listen on %s: %v", *addr, err)
	}

	srv := server.New(listener, eng, log)
	log.Infow("kvs-server listening", "addr", srv.Addr().String(), "engine", requested, "data_dir", *dataDir)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			log.Errorw("server loop exited with error", "error", err)
		}
	}

	_ = listener.Close()
	if err := eng.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist to disk: %v\n", err)
		os.Exit(1)
	}
}

func openEngine(kind engine.Kind, dataDir string, log *zap.SugaredLogger) (engine.Engine, error) {
	switch kind {
	case engine.KindKVS:
		return kvs.Open(dataDir, log)
	case engine.KindBolt:
		return bolt.Open(dataDir)
	default:
		return nil, fmt.Errorf("unknown engine %q", kind)
	}
}
