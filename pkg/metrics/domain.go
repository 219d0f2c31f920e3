package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics tracks locker lifecycle, command queue, and zone
// extension outcomes — the control plane's domain-level counters.
type BusinessMetrics struct {
	LockerAssignedTotal  *prometheus.CounterVec
	LockerReleasedTotal  *prometheus.CounterVec
	LockerConflictTotal  *prometheus.CounterVec
	LockerBlockedTotal   *prometheus.CounterVec

	CommandDispatchedTotal *prometheus.CounterVec
	CommandCompletedTotal  *prometheus.CounterVec
	CommandFailedTotal     *prometheus.CounterVec
	CommandRetryTotal      *prometheus.CounterVec

	ZoneReconcileTotal *prometheus.CounterVec
	ZoneCapacity       *prometheus.GaugeVec
}

// NewBusinessMetrics constructs the business metrics under namespace,
// subsystem "business".
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	const subsystem = "business"
	return &BusinessMetrics{
		LockerAssignedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "locker_assigned_total",
				Help:      "Total number of lockers assigned to an owner",
			},
			[]string{"owner_type"},
		),
		LockerReleasedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "locker_released_total",
				Help:      "Total number of lockers released back to free",
			},
			[]string{"owner_type"},
		),
		LockerConflictTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "locker_conflict_total",
				Help:      "Total number of locker transitions rejected by a version conflict",
			},
			[]string{"operation"},
		),
		LockerBlockedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "locker_blocked_total",
				Help:      "Total number of lockers taken offline by a hardware fault or staff block",
			},
			[]string{"reason"},
		),
		CommandDispatchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "command_dispatched_total",
				Help:      "Total number of commands claimed for execution by a kiosk",
			},
			[]string{"command_type"},
		),
		CommandCompletedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "command_completed_total",
				Help:      "Total number of commands that completed successfully",
			},
			[]string{"command_type"},
		),
		CommandFailedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "command_failed_total",
				Help:      "Total number of commands that exhausted their retry budget",
			},
			[]string{"command_type"},
		),
		CommandRetryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "command_retry_total",
				Help:      "Total number of command retries scheduled after a failed attempt",
			},
			[]string{"command_type"},
		),
		ZoneReconcileTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "zone_reconcile_total",
				Help:      "Total number of zone layout reconciliations performed",
			},
			[]string{"result"},
		),
		ZoneCapacity: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "zone_capacity",
				Help:      "Locker capacity of the active zone layout, by zone",
			},
			[]string{"zone_id"},
		),
	}
}

// TechnicalMetrics tracks the control plane's request-facing behavior:
// HTTP traffic, rate limiting, and the notification broadcaster.
type TechnicalMetrics struct {
	HTTP *HTTPMetrics

	RateLimitAllowedTotal    *prometheus.CounterVec
	RateLimitBlockedTotal    *prometheus.CounterVec
	RateLimitViolationTotal  *prometheus.CounterVec

	BroadcastDeliveredTotal *prometheus.CounterVec
	BroadcastDroppedTotal   *prometheus.CounterVec
	BroadcastSubscribers    prometheus.Gauge
}

// NewTechnicalMetrics constructs the technical metrics under namespace,
// subsystem "technical". HTTP reuses the standalone HTTPMetrics
// collector under its own "http" subsystem.
func NewTechnicalMetrics(namespace string) *TechnicalMetrics {
	const subsystem = "technical"
	return &TechnicalMetrics{
		HTTP: NewHTTPMetricsWithNamespace(namespace, "http"),
		RateLimitAllowedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_allowed_total",
				Help:      "Total number of requests allowed through the rate limiter",
			},
			[]string{"dimension"},
		),
		RateLimitBlockedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_blocked_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
			[]string{"dimension"},
		),
		RateLimitViolationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_violation_total",
				Help:      "Total number of rate limit violations recorded against a key",
			},
			[]string{"dimension"},
		),
		BroadcastDeliveredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "broadcast_delivered_total",
				Help:      "Total number of events delivered to a subscriber channel",
			},
			[]string{"event_type"},
		),
		BroadcastDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "broadcast_dropped_total",
				Help:      "Total number of events dropped because a subscriber's buffer was full",
			},
			[]string{"event_type"},
		),
		BroadcastSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "broadcast_subscribers",
				Help:      "Current number of active broadcast subscribers",
			},
		),
	}
}

// InfraMetrics tracks the control plane's dependencies on storage, kiosk
// heartbeats, and the distributed reload lock.
type InfraMetrics struct {
	Storage   *StorageMetrics
	Heartbeat *HeartbeatMetrics
	Lock      *LockMetrics
}

// StorageMetrics tracks persistence-layer latency and errors, labeled by
// the storage backend in use (sqlite or postgres).
type StorageMetrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// HeartbeatMetrics tracks kiosk liveness as seen by the heartbeat manager.
type HeartbeatMetrics struct {
	OnlineKiosks         prometheus.Gauge
	StaleRecoveredTotal  prometheus.Counter
	RestartDetectedTotal prometheus.Counter
}

// LockMetrics tracks distributed-lock acquisition for config reload.
type LockMetrics struct {
	AcquireTotal   *prometheus.CounterVec
	AcquireFailed  *prometheus.CounterVec
	HeldDuration   prometheus.Histogram
}

// NewInfraMetrics constructs the infrastructure metrics under namespace,
// subsystem "infra".
func NewInfraMetrics(namespace string) *InfraMetrics {
	const subsystem = "infra"
	return &InfraMetrics{
		Storage: &StorageMetrics{
			QueryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "storage_query_duration_seconds",
					Help:      "Duration of storage backend queries in seconds",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"operation", "backend"},
			),
			QueryErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "storage_query_errors_total",
					Help:      "Total number of storage backend queries that returned an error",
				},
				[]string{"operation", "backend"},
			),
		},
		Heartbeat: &HeartbeatMetrics{
			OnlineKiosks: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "heartbeat_online_kiosks",
					Help:      "Current number of kiosks considered online",
				},
			),
			StaleRecoveredTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "heartbeat_stale_recovered_total",
					Help:      "Total number of stale executing commands recovered during heartbeat cleanup",
				},
			),
			RestartDetectedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "heartbeat_restart_detected_total",
					Help:      "Total number of kiosk restarts detected via incarnation change",
				},
			),
		},
		Lock: &LockMetrics{
			AcquireTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "lock_acquire_total",
					Help:      "Total number of distributed lock acquisition attempts",
				},
				[]string{"key"},
			),
			AcquireFailed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "lock_acquire_failed_total",
					Help:      "Total number of distributed lock acquisition failures",
				},
				[]string{"key"},
			),
			HeldDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Subsystem: subsystem,
					Name:      "lock_held_duration_seconds",
					Help:      "Duration a distributed lock was held before release",
					Buckets:   prometheus.DefBuckets,
				},
			),
		},
	}
}
