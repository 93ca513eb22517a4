// Package metrics provides Prometheus metrics for collabsync
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for collabsync
type Metrics struct {
	// Sync message metrics
	SyncMessagesTotal    *prometheus.CounterVec
	SyncMessageDuration  *prometheus.HistogramVec
	SyncSessionsActive   prometheus.Gauge
	SyncParticipantsGauge prometheus.Gauge

	// Operation metrics
	TransformsTotal    prometheus.Counter
	OperationsApplied  *prometheus.CounterVec
	DuplicateOpsTotal  prometheus.Counter

	// Conflict metrics
	ConflictsDetectedTotal *prometheus.CounterVec
	ConflictsResolvedTotal *prometheus.CounterVec
	ConflictsPredictedTotal prometheus.Counter

	// Decision and lock metrics
	DecisionsTotal *prometheus.CounterVec
	VotesTotal     prometheus.Counter
	LocksHeldGauge prometheus.Gauge
	LocksExpiredTotal prometheus.Counter

	// Session liveness metrics
	HeartbeatsTotal prometheus.Counter
	EvictionsTotal  prometheus.Counter

	// Journal metrics
	JournalAppendsTotal prometheus.Counter
	JournalSizeBytes    prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.SyncMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabsync_sync_messages_total",
			Help: "Total number of synchronization messages processed",
		},
		[]string{"type", "status"},
	)

	m.SyncMessageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collabsync_sync_message_duration_seconds",
			Help:    "Duration of synchronization message handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	m.SyncSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabsync_sessions_active",
			Help: "Number of active synchronization sessions",
		},
	)

	m.SyncParticipantsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabsync_participants_total",
			Help: "Number of participants across all sessions",
		},
	)

	m.TransformsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_transforms_total",
			Help: "Total number of operational transforms performed",
		},
	)

	m.OperationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabsync_operations_applied_total",
			Help: "Total number of document operations applied",
		},
		[]string{"kind"},
	)

	m.DuplicateOpsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_duplicate_operations_total",
			Help: "Total number of duplicate operations discarded",
		},
	)

	m.ConflictsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabsync_conflicts_detected_total",
			Help: "Total number of conflicts detected",
		},
		[]string{"type"},
	)

	m.ConflictsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabsync_conflicts_resolved_total",
			Help: "Total number of conflicts resolved",
		},
		[]string{"strategy", "status"},
	)

	m.ConflictsPredictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_conflicts_predicted_total",
			Help: "Total number of conflicts flagged by the predictor",
		},
	)

	m.DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabsync_decisions_total",
			Help: "Total number of settled group decisions",
		},
		[]string{"status"},
	)

	m.VotesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_votes_total",
			Help: "Total number of ballots cast",
		},
	)

	m.LocksHeldGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabsync_locks_held",
			Help: "Number of editing locks currently held",
		},
	)

	m.LocksExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_locks_expired_total",
			Help: "Total number of editing locks dropped by TTL expiry",
		},
	)

	m.HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_heartbeats_total",
			Help: "Total number of participant heartbeats received",
		},
	)

	m.EvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_evictions_total",
			Help: "Total number of participants evicted for missed heartbeats",
		},
	)

	m.JournalAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collabsync_journal_appends_total",
			Help: "Total number of journal records appended",
		},
	)

	m.JournalSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabsync_journal_size_bytes",
			Help: "Current journal segment size in bytes",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabsync_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the server uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordSyncMessage records a processed synchronization message
func (m *Metrics) RecordSyncMessage(msgType string, status string, duration time.Duration) {
	m.SyncMessagesTotal.WithLabelValues(msgType, status).Inc()
	m.SyncMessageDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordConflict records a detected conflict
func (m *Metrics) RecordConflict(conflictType string) {
	m.ConflictsDetectedTotal.WithLabelValues(conflictType).Inc()
}

// RecordResolution records a conflict resolution attempt
func (m *Metrics) RecordResolution(strategy string, status string) {
	m.ConflictsResolvedTotal.WithLabelValues(strategy, status).Inc()
}

// RecordDecision records settled decisions by outcome
func (m *Metrics) RecordDecision(status string, n int) {
	if n > 0 {
		m.DecisionsTotal.WithLabelValues(status).Add(float64(n))
	}
}

// UpdateSessionStats updates session-level gauges
func (m *Metrics) UpdateSessionStats(sessions int, participants int) {
	m.SyncSessionsActive.Set(float64(sessions))
	m.SyncParticipantsGauge.Set(float64(participants))
}
