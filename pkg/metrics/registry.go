// Package metrics provides centralized metrics management for the locker
// fleet control plane.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Business metrics: locker lifecycle, command queue, zone extension
//   - Technical metrics: HTTP, rate limiting, broadcast fan-out
//   - Infrastructure metrics: storage, heartbeat, distributed locking
//
// Category metrics are named lockerctl_<category>_<metric_name>_<unit>
// (e.g. lockerctl_infra_storage_query_duration_seconds). HTTP metrics use
// the subsystem "http" in place of a category (lockerctl_http_requests_total).
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Business().LockerAssignedTotal.WithLabelValues("rfid").Inc()
//	registry.Infra().Storage.QueryDuration.WithLabelValues("locker_get", "postgres").Observe(0.01)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryBusiness represents business-level metrics (locker lifecycle, commands, zones)
	CategoryBusiness MetricCategory = "business"

	// CategoryTechnical represents technical metrics (HTTP, rate limiting, broadcast)
	CategoryTechnical MetricCategory = "technical"

	// CategoryInfra represents infrastructure metrics (storage, heartbeat, distributed lock)
	CategoryInfra MetricCategory = "infra"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Business, Technical, Infra).
//
// This is a simplified registry design (vs. full validation/map approach)
// for better maintainability and performance.
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	// Category managers (lazy-initialized)
	business  *BusinessMetrics
	technical *TechnicalMetrics
	infra     *InfraMetrics

	// Separate sync.Once for each category for true lazy initialization
	businessOnce  sync.Once
	technicalOnce sync.Once
	infraOnce     sync.Once
}

var (
	// Global singleton registry instance
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().Heartbeat.OnlineKiosks.Set(10)
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("lockerctl")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
//
// Parameters:
//   - namespace: The Prometheus namespace for all metrics (typically "lockerctl")
//
// Returns:
//   - *MetricsRegistry: A new registry instance
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "lockerctl"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Business returns the Business metrics manager.
// Lazy-initialized on first access.
//
// Business metrics include:
//   - Locker lifecycle (assigned, released, conflicts)
//   - Command queue (dispatched, completed, failed)
//   - Zone extension (reconciliations, capacity)
//
// Example:
//
//	registry.Business().LockerAssignedTotal.WithLabelValues("rfid").Inc()
//	registry.Business().CommandFailedTotal.WithLabelValues("open_locker").Inc()
func (r *MetricsRegistry) Business() *BusinessMetrics {
	r.businessOnce.Do(func() {
		r.business = NewBusinessMetrics(r.namespace)
	})
	return r.business
}

// Technical returns the Technical metrics manager.
// Lazy-initialized on first access.
//
// Technical metrics include:
//   - HTTP requests (count, duration, size)
//   - Rate limiting (allowed, blocked, violations)
//   - Broadcast fan-out (delivered, dropped)
//
// Example:
//
//	registry.Technical().RateLimitBlockedTotal.WithLabelValues("ip").Inc()
//	registry.Technical().BroadcastDroppedTotal.WithLabelValues("locker_update").Inc()
func (r *MetricsRegistry) Technical() *TechnicalMetrics {
	r.technicalOnce.Do(func() {
		r.technical = NewTechnicalMetrics(r.namespace)
	})
	return r.technical
}

// Infra returns the Infrastructure metrics manager.
// Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Storage (query duration, errors)
//   - Heartbeat (online kiosks, stale recoveries)
//   - Distributed lock (acquisitions, contention)
//
// Example:
//
//	registry.Infra().Storage.QueryDuration.WithLabelValues("locker_get", "postgres").Observe(0.01)
//	registry.Infra().Heartbeat.OnlineKiosks.Set(42)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
//
// Returns:
//   - string: The Prometheus namespace (e.g., "lockerctl")
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

// ValidateMetricName validates a metric name against naming conventions.
// Currently a placeholder for future validation logic.
//
// Naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
//
// Examples:
// good: lockerctl_business_locker_assigned_total
// good: lockerctl_technical_rate_limit_blocked_total
// good: lockerctl_infra_storage_query_duration_seconds
// bad: locker_assigned (missing namespace)
// bad: lockerctl_assigned (missing category/subsystem)
//
// Parameters:
//   - name: The metric name to validate
//
// Returns:
//   - error: nil if valid, error describing the problem otherwise
//
// TODO: Implement validation logic (regex, taxonomy check)
func (r *MetricsRegistry) ValidateMetricName(name string) error {
	// Placeholder for future validation
	// Could check:
	// 1. Starts with namespace
	// 2. Contains category (business/technical/infra)
	// 3. Follows snake_case
	// 4. Has appropriate unit suffix (_total, _seconds, etc.)
	return nil
}
