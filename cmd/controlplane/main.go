// Patze control plane.
//
// Hosts the telemetry ingest/snapshot/SSE surface, the bridge command queue,
// and the bridge lifecycle manager used to set up and preflight-check new
// bridges over SSH.
//
// Usage:
//
//	controlplane --config /etc/patze/controlplane.yaml
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goiltpatpat/patze-control/internal/auditstore"
	"github.com/goiltpatpat/patze-control/internal/commandqueue"
	"github.com/goiltpatpat/patze-control/internal/config"
	"github.com/goiltpatpat/patze-control/internal/eventstore"
	"github.com/goiltpatpat/patze-control/internal/httpapi"
	"github.com/goiltpatpat/patze-control/internal/lifecycle"
	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/taskstore"
)

var flagConfig = flag.String("config", "/etc/patze/controlplane.yaml", "config file path")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadControlPlaneConfig(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.Fatalf("create state dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := eventstore.New(cfg.EventStoreCapacity)
	proj := projector.New()

	signKey, err := loadOrCreateSigningKey(cfg.CommandSigningPubKeyPath)
	if err != nil {
		log.Fatalf("load command-signing key: %v", err)
	}

	queue := commandqueue.New(cfg.CommandQueuePath(), signKey)
	if err := queue.Load(); err != nil {
		log.Fatalf("load command queue: %v", err)
	}

	server := httpapi.NewServer(store, proj, queue)

	audit := newAuditStore(ctx, cfg.PostgresDSN)
	server.WithAuditStore(audit)

	connector, err := lifecycle.NewSSHConnector(filepath.Join(cfg.StateDir, "known_hosts"))
	if err != nil {
		log.Fatalf("construct ssh connector: %v", err)
	}
	connector.TrustOnFirstUse = true
	server.WithConnector(connector)

	manager := lifecycle.NewManager(connector)
	server.WithManager(manager, cfg.BridgeBundlePath)

	tasks := taskstore.New(cfg.TaskStorePath(), cfg.TaskSnapshotDir(), cfg.TaskRunHistoryPath(), 0)
	if err := tasks.Load(); err != nil {
		log.Fatalf("load task store: %v", err)
	}
	server.WithTaskStore(tasks)

	leaseSweep := time.NewTicker(10 * time.Second)
	defer leaseSweep.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-leaseSweep.C:
				queue.ExpireOverdueLeases()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /events is a long-lived SSE stream
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Printf("[controlplane] received %v, shutting down", sig)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("[controlplane] listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("[controlplane] stopped")
}

// newAuditStore connects to Postgres when dsn is set, falling back to an
// in-memory view otherwise (§2: "degrades gracefully").
func newAuditStore(ctx context.Context, dsn string) auditstore.Store {
	if dsn == "" {
		return auditstore.NewMemoryStore()
	}
	store, err := auditstore.NewPostgresStore(ctx, dsn)
	if err != nil {
		log.Printf("[controlplane] postgres audit store unavailable, falling back to in-memory: %v", err)
		return auditstore.NewMemoryStore()
	}
	return store
}

// loadOrCreateSigningKey loads an Ed25519 seed from path, generating and
// persisting a new keypair on first run, per the donor's
// appliance/internal/evidence/signer.go idiom.
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err == nil && len(data) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(data), nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return priv, nil
}
