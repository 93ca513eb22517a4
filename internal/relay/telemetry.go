// Package relay: telemetry bridge between the engines and Prometheus.
package relay

import (
	"time"

	"github.com/nainya/collabsync/internal/metrics"
	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/journal"
	"github.com/nainya/collabsync/pkg/session"
)

// StartTelemetry feeds coordinator events and engine counters into the
// metrics registry: evictions and conflicts arrive as events, gauges
// and cumulative counters are polled at the given interval. The
// returned func stops both loops.
func StartTelemetry(coordinator *session.Coordinator, documents *collab.Engine,
	jnl *journal.Journal, m *metrics.Metrics, interval time.Duration) func() {

	subID, events := coordinator.Subscribe()
	stop := make(chan struct{})

	go func() {
		for ev := range events {
			switch ev.Type {
			case session.EventParticipantEvicted:
				m.EvictionsTotal.Inc()
			case session.EventConflictDetected:
				m.RecordConflict(ev.Payload["type"])
				if ev.Payload["predicted"] == "true" {
					m.ConflictsPredictedTotal.Inc()
				}
			case session.EventConflictResolved:
				m.RecordResolution(ev.Payload["strategy"], "resolved")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last collab.Stats
		var lastLSN uint64

		for {
			select {
			case <-ticker.C:
				sessions := coordinator.Sessions()
				participants := 0
				for _, id := range sessions {
					if snap, err := coordinator.Snapshot(id); err == nil {
						participants += len(snap.Participants)
					}
				}
				m.UpdateSessionStats(len(sessions), participants)

				if documents != nil {
					m.LocksHeldGauge.Set(float64(documents.ActiveLocks()))

					stats := documents.Stats()
					m.VotesTotal.Add(float64(stats.VotesCast - last.VotesCast))
					m.RecordDecision("approved", int(stats.DecisionsApproved-last.DecisionsApproved))
					m.RecordDecision("rejected", int(stats.DecisionsRejected-last.DecisionsRejected))
					m.RecordDecision("expired", int(stats.DecisionsExpired-last.DecisionsExpired))
					last = stats
				}

				if jnl != nil {
					m.JournalSizeBytes.Set(float64(jnl.Size()))
					lsn := jnl.LSN()
					m.JournalAppendsTotal.Add(float64(lsn - lastLSN))
					lastLSN = lsn
				}

			case <-stop:
				coordinator.Unsubscribe(subID)
				return
			}
		}
	}()

	return func() { close(stop) }
}
