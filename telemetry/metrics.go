// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookDeliveries   *prometheus.CounterVec // result=accepted|duplicate|rejected|invalid
	WebhookHandshakes   *prometheus.CounterVec // mode, matched=true|false
	PresenceTransitions *prometheus.CounterVec // kind=online|update|offline|ignored
	NotificationActions *prometheus.CounterVec // action=sent|edited|reused|deleted|gone|failed
	LeaseActions        *prometheus.CounterVec // mode, result=confirmed|timeout|error
	ReconcilePasses     *prometheus.CounterVec // result=ok|failed
	DuplicateLeases     prometheus.Counter
	OutboundCalls       prometheus.Counter
	OutboundErrors      *prometheus.CounterVec // kind=client|server|transport

	// Histograms (seconds)
	ReconcileDuration prometheus.Observer
	EventDuration     prometheus.Observer

	// Gauges
	TrackedIdentitiesGauge prometheus.Gauge
	LiveNotificationsGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_webhook_deliveries_total", Help: "Webhook event deliveries by outcome"}, []string{"result"})
		WebhookHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_webhook_handshakes_total", Help: "Hub handshakes received by mode and whether a pending action matched"}, []string{"mode", "matched"})
		PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_presence_transitions_total", Help: "Presence transitions processed"}, []string{"kind"})
		NotificationActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_notification_actions_total", Help: "Chat notification actions"}, []string{"action"})
		LeaseActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_lease_actions_total", Help: "Hub subscribe/unsubscribe actions by outcome"}, []string{"mode", "result"})
		ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_reconcile_passes_total", Help: "Lease reconciliation passes"}, []string{"result"})
		DuplicateLeases = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_duplicate_leases_total", Help: "Leases found duplicated for the same identity"})
		OutboundCalls = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_twitch_calls_total", Help: "Outbound calls issued to Twitch"})
		OutboundErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_twitch_errors_total", Help: "Outbound Twitch call failures"}, []string{"kind"})
		ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_reconcile_duration_seconds", Help: "Reconciliation pass duration seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}})
		EventDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_event_duration_seconds", Help: "Presence event processing duration seconds", Buckets: prometheus.DefBuckets})
		TrackedIdentitiesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_tracked_identities", Help: "Identities with at least one binding"})
		LiveNotificationsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_notifications", Help: "Notification references held in memory"})
	})
}

func inc(vec *prometheus.CounterVec, labels ...string) {
	if vec != nil {
		vec.WithLabelValues(labels...).Inc()
	}
}

// ObserveDelivery counts a webhook delivery outcome.
func ObserveDelivery(result string) { inc(WebhookDeliveries, result) }

// ObserveHandshake counts a hub handshake.
func ObserveHandshake(mode string, matched bool) {
	inc(WebhookHandshakes, mode, map[bool]string{true: "true", false: "false"}[matched])
}

// ObserveTransition counts a presence transition.
func ObserveTransition(kind string) { inc(PresenceTransitions, kind) }

// ObserveNotification counts a notification action.
func ObserveNotification(action string) { inc(NotificationActions, action) }

// ObserveLeaseAction counts a hub action result.
func ObserveLeaseAction(mode, result string) { inc(LeaseActions, mode, result) }

// ObserveReconcile counts a reconciliation pass and records its duration.
func ObserveReconcile(ok bool, d time.Duration) {
	inc(ReconcilePasses, map[bool]string{true: "ok", false: "failed"}[ok])
	if ReconcileDuration != nil {
		ReconcileDuration.Observe(d.Seconds())
	}
}

// ObserveDuplicateLease counts a duplicated lease.
func ObserveDuplicateLease() {
	if DuplicateLeases != nil {
		DuplicateLeases.Inc()
	}
}

// ObserveOutboundCall counts a call leaving the rate bucket.
func ObserveOutboundCall() {
	if OutboundCalls != nil {
		OutboundCalls.Inc()
	}
}

// ObserveOutboundError counts a failed outbound call by kind.
func ObserveOutboundError(kind string) { inc(OutboundErrors, kind) }

// SetTrackedIdentities records how many identities are tracked.
func SetTrackedIdentities(n int) {
	if TrackedIdentitiesGauge != nil {
		TrackedIdentitiesGauge.Set(float64(n))
	}
}

// SetLiveNotifications records how many notification refs are held.
func SetLiveNotifications(n int) {
	if LiveNotificationsGauge != nil {
		LiveNotificationsGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
