// ABOUTME: Tests for the telemetry bridge
// ABOUTME: Event-driven counters and polled gauges reach the registry

package relay

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nainya/collabsync/internal/metrics"
	"github.com/nainya/collabsync/pkg/collab"
	"github.com/nainya/collabsync/pkg/conflict"
	"github.com/nainya/collabsync/pkg/session"
)

func TestTelemetryBridgesEventsAndCounters(t *testing.T) {
	coordinator := session.NewCoordinator(session.DefaultConfig(),
		conflict.NewEngine(conflict.DefaultConfig()), nil, nil)
	documents := collab.NewEngine(collab.DefaultConfig(), nil, nil)

	// promauto registers on the default registry, so the relay test
	// binary constructs metrics exactly once, here.
	m := metrics.NewMetrics()

	stop := StartTelemetry(coordinator, documents, nil, m, 20*time.Millisecond)
	defer stop()

	s, _ := coordinator.CreateSession("standup", "alice", "Alice")
	coordinator.Join(s.ID, "bob", "Bob", session.RoleParticipant)

	d, err := documents.CreateDocument("notes", "hello", "text", "alice")
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	if _, err := documents.RequestLock(d.ID, "alice"); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}

	evicted := coordinator.EvictStale(time.Now().Add(time.Hour))
	if evicted != 2 {
		t.Fatalf("Expected 2 evictions, got %d", evicted)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if testutil.ToFloat64(m.EvictionsTotal) == 2 &&
			testutil.ToFloat64(m.SyncSessionsActive) == 1 &&
			testutil.ToFloat64(m.LocksHeldGauge) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Telemetry never converged: evictions=%f sessions=%f locks=%f",
				testutil.ToFloat64(m.EvictionsTotal),
				testutil.ToFloat64(m.SyncSessionsActive),
				testutil.ToFloat64(m.LocksHeldGauge))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
