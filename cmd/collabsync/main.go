// collabsync relay server
// Fans synchronization messages out to session rooms and keeps
// session, document, and conflict state
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nainya/collabsync/internal/config"
	"github.com/nainya/collabsync/internal/logger"
	"github.com/nainya/collabsync/internal/metrics"
	"github.com/nainya/collabsync/internal/relay"
	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/conflict"
	"github.com/nainya/collabsync/pkg/journal"
	"github.com/nainya/collabsync/pkg/session"
	"github.com/nainya/collabsync/pkg/store"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file")
	port       = flag.Int("port", 0, "Relay port (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger.InitGlobalLogger(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})
	log := logger.GetGlobalLogger()
	m := metrics.NewMetrics()

	log.LogServerStart(cfg.Server.Port, cfg.Storage.JournalPath)

	// Persistence.
	db, err := store.OpenBolt(cfg.Storage.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open store").Err(err).Send()
	}
	defer db.Close()

	jnl := &journal.Journal{Path: cfg.Storage.JournalPath}
	if err := jnl.Open(); err != nil {
		log.Fatal("Failed to open journal").Err(err).Send()
	}
	defer jnl.Close()

	// Conflict engine with background sweep.
	conflicts := conflict.NewEngine(conflict.Config{
		SweepInterval:       cfg.Conflict.SweepInterval,
		MaxCaseAge:          cfg.Conflict.MaxCaseAge,
		PredictionThreshold: cfg.Conflict.PredictionThreshold,
		PredictionWindow:    cfg.Conflict.PredictionWindow,
	})
	conflicts.StartSweep()
	defer conflicts.StopSweep()

	// Session coordinator, resumed from the journal.
	coordCfg := session.DefaultConfig()
	coordCfg.HeartbeatInterval = cfg.Session.HeartbeatInterval
	coordCfg.HeartbeatMisses = cfg.Session.HeartbeatMisses
	coordCfg.EventBuffer = cfg.Session.EventBuffer
	coordinator := session.NewCoordinator(coordCfg, conflicts, jnl, log)
	if err := coordinator.Resume(); err != nil {
		log.Fatal("Failed to resume sessions").Err(err).Send()
	}
	coordinator.StartHeartbeatMonitor()
	defer coordinator.StopHeartbeatMonitor()

	// Document collaboration engine over the bolt store.
	collabCfg := collab.DefaultConfig()
	collabCfg.LockTTL = cfg.Collab.LockTTL
	collabCfg.OwnerVoteWeight = cfg.Collab.OwnerVoteWeight
	collabCfg.DefaultVoteWeight = cfg.Collab.DefaultVoteWeight
	collabCfg.SimpleApprovalThreshold = cfg.Collab.SimpleApprovalThreshold
	collabCfg.RollbackBlockDivisor = cfg.Collab.RollbackBlockDivisor
	collabCfg.ModeratorIDs = cfg.Collab.ModeratorIDs
	documents := collab.NewEngine(collabCfg, db, db)
	coordinator.SetEscalator(documents)

	// Housekeeping: expired locks and overdue decisions.
	housekeepingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := documents.SweepLocks(now); n > 0 {
					m.LocksExpiredTotal.Add(float64(n))
				}
				documents.ExpireDecisions(now)
			case <-housekeepingDone:
				return
			}
		}
	}()
	defer close(housekeepingDone)

	stopTelemetry := relay.StartTelemetry(coordinator, documents, jnl, m, 15*time.Second)
	defer stopTelemetry()

	// Relay hub.
	hub := relay.NewHub(coordinator, documents, log, m)
	go hub.Run()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	// Observability server.
	obs := relay.NewObservabilityServer(cfg.Server.ObservabilityPort, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("Observability server failed").Err(err).Send()
		}
	}()

	// Graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.LogServerShutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		obs.Shutdown(ctx)
	}()

	log.LogServerReady(cfg.Server.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Failed to serve").Err(err).Send()
	}
}
