// Patze bridge agent.
//
// Runs on a target host alongside OpenClaw: emits heartbeats and run-state
// telemetry to the control plane, polls for and executes leased commands,
// and mirrors OpenClaw's cron job/run state to the plane.
//
// Usage:
//
//	bridge --config /etc/patze/bridge.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goiltpatpat/patze-control/internal/auditledger"
	"github.com/goiltpatpat/patze-control/internal/bridgeruntime"
	"github.com/goiltpatpat/patze-control/internal/config"
	"github.com/goiltpatpat/patze-control/internal/cronsync"
	"github.com/goiltpatpat/patze-control/internal/sink"
)

var flagConfig = flag.String("config", "/etc/patze/bridge.yaml", "config file path")

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadBridgeConfig(*flagConfig)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.Fatalf("create state dir: %v", err)
	}

	ledger, err := auditledger.Open(cfg.AuditLedgerPath())
	if err != nil {
		log.Fatalf("open audit ledger: %v", err)
	}
	defer ledger.Close()

	sinkCfg := sink.DefaultConfig()
	sinkCfg.IngestURL = cfg.ControlPlaneURL + "/ingest"
	sinkCfg.BatchIngestURL = cfg.ControlPlaneURL + "/ingest/batch"
	sinkCfg.PersistedQueuePath = cfg.SpoolPath()
	sinkCfg.OnBatchDelivered = func(n int) {
		summary := fmt.Sprintf("delivered telemetry batch of %d envelope(s)", n)
		if err := ledger.RecordTelemetryBatch(context.Background(), fmt.Sprintf("batch-%d", time.Now().UnixNano()), summary, ""); err != nil {
			log.Printf("[bridge] audit ledger record failed: %v", err)
		}
	}
	telemetrySink := sink.New(sinkCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &bridgeruntime.CommandPoller{
		BaseURL:      cfg.ControlPlaneURL,
		Token:        cfg.ControlPlaneToken,
		MachineID:    cfg.BridgeID,
		PollInterval: bridgeruntime.DefaultPollInterval,
		LeaseTTL:     bridgeruntime.DefaultLeaseTTL,
		Executor:     &bridgeruntime.OpenClawExecutor{OpenClawBin: os.Getenv("OPENCLAW_BIN")},
		AuditLedger:  ledger,
	}

	runtimeCfg := bridgeruntime.DefaultConfig()
	runtimeCfg.MachineID = cfg.BridgeID
	runtimeCfg.HeartbeatInterval = time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond
	runtimeCfg.HealthAddr = cfg.HealthAddr

	collector := &bridgeruntime.FileCollector{JobsDir: cfg.OpenClawJobsDir}
	runtime := bridgeruntime.New(runtimeCfg, collector, telemetrySink, poller)

	pusher, err := cronsync.New(cronsync.Config{
		JobsDir:      cfg.OpenClawJobsDir,
		StatePath:    cfg.SyncStatePath(),
		BaseURL:      cfg.ControlPlaneURL,
		Token:        cfg.ControlPlaneToken,
		MachineID:    cfg.BridgeID,
		PushInterval: time.Duration(cfg.SyncInterval) * time.Second,
	})
	if err != nil {
		log.Fatalf("construct cron-sync pusher: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Printf("[bridge] received %v, shutting down", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runtime.Run(ctx) })
	g.Go(func() error { return pusher.Run(ctx) })

	log.Printf("[bridge] %s started, reporting to %s", cfg.BridgeID, cfg.ControlPlaneURL)
	if err := g.Wait(); err != nil {
		log.Fatalf("bridge stopped: %v", err)
	}
	log.Println("[bridge] stopped")
}
