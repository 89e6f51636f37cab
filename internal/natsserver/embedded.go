// Package natsserver runs an in-process NATS server so a single grammard
// binary can publish results without external infrastructure.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second
)

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches a loopback-only server with JetStream file storage under
// cfg.StoreDir, capped at cfg.StoreMaxMB. It returns nil when embedded mode
// is off. A Port of -1 picks a free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	storeDir := cfg.StoreDir
	if storeDir == "" {
		storeDir = defaultStoreDir
	}
	opts := &server.Options{
		ServerName: "grammard-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.StoreMaxMB > 0 {
		opts.JetStreamMaxStore = int64(cfg.StoreMaxMB) << 20
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}

	log = log.With(slog.String("component", "nats-embedded"))
	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", storeDir),
		slog.Int("store_max_mb", cfg.StoreMaxMB))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for JetStream to flush. Safe on nil.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
