// Package metrics is the Prometheus collector for pgvictoria's domain:
// per-server health, query executor latency, authentication outcomes
// by mechanism, and configuration reload classification counts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric pgvictoria exports.
type Collector struct {
	Registry *prometheus.Registry

	serverHealth *prometheus.GaugeVec

	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	reloadsTotal       *prometheus.CounterVec
	reloadFieldChanges *prometheus.CounterVec

	replicationLagBytes *prometheus.GaugeVec
	standbyUpdatesTotal *prometheus.CounterVec
}

// New creates and registers every metric on a fresh, independent registry.
// Safe to call multiple times (tests, or a process-restart-required reload
// that rebuilds the whole component tree).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		serverHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvictoria_server_health",
				Help: "Health status of a backend server (1=healthy, 0=unhealthy)",
			},
			[]string{"server"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgvictoria_query_duration_seconds",
				Help:    "Duration of a query executor request/reply cycle",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"server"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_query_errors_total",
				Help: "Query executor errors by kind (backend, protocol, transport)",
			},
			[]string{"server", "kind"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgvictoria_health_check_duration_seconds",
				Help:    "Duration of IDENTIFY_SYSTEM health probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"server", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"server", "error_type"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_auth_attempts_total",
				Help: "Authentication attempts by mechanism and outcome",
			},
			[]string{"mechanism", "outcome"},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_config_reloads_total",
				Help: "Configuration reload attempts by result",
			},
			[]string{"result"},
		),
		reloadFieldChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_config_reload_field_changes_total",
				Help: "Configuration fields changed by a reload, by classification",
			},
			[]string{"classification"},
		),
		replicationLagBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgvictoria_replication_lag_bytes",
				Help: "Difference between the received and flushed LSN for a replication stream",
			},
			[]string{"server"},
		),
		standbyUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgvictoria_standby_status_updates_total",
				Help: "Standby status update messages sent per server",
			},
			[]string{"server"},
		),
	}

	reg.MustRegister(
		c.serverHealth,
		c.queryDuration,
		c.queryErrors,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.authAttemptsTotal,
		c.reloadsTotal,
		c.reloadFieldChanges,
		c.replicationLagBytes,
		c.standbyUpdatesTotal,
	)

	return c
}

// QueryDuration observes an executor round-trip duration for server.
func (c *Collector) QueryDuration(server string, d time.Duration) {
	c.queryDuration.WithLabelValues(server).Observe(d.Seconds())
}

// QueryError increments the query error counter by kind ("backend",
// "protocol", or "transport").
func (c *Collector) QueryError(server, kind string) {
	c.queryErrors.WithLabelValues(server, kind).Inc()
}

// SetServerHealth sets the health gauge for a server.
func (c *Collector) SetServerHealth(server string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.serverHealth.WithLabelValues(server).Set(val)
}

// HealthCheckCompleted records a health probe duration and result.
func (c *Collector) HealthCheckCompleted(server string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(server, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(server, errorType string) {
	c.healthCheckErrors.WithLabelValues(server, errorType).Inc()
}

// AuthAttempt records an authentication attempt outcome ("ok"/"failed") for
// a mechanism ("cleartext"/"md5"/"scram-sha-256").
func (c *Collector) AuthAttempt(mechanism, outcome string) {
	c.authAttemptsTotal.WithLabelValues(mechanism, outcome).Inc()
}

// ReloadCompleted records a reload attempt's result ("applied", "restart-required",
// or "failed") and the per-classification count of changed fields.
func (c *Collector) ReloadCompleted(result string, hot, logRestart, restart int) {
	c.reloadsTotal.WithLabelValues(result).Inc()
	c.reloadFieldChanges.WithLabelValues("hot").Add(float64(hot))
	c.reloadFieldChanges.WithLabelValues("log-restart").Add(float64(logRestart))
	c.reloadFieldChanges.WithLabelValues("restart-required").Add(float64(restart))
}

// SetReplicationLag sets the current received-minus-flushed LSN gap for a
// replication stream, in bytes.
func (c *Collector) SetReplicationLag(server string, lagBytes int64) {
	c.replicationLagBytes.WithLabelValues(server).Set(float64(lagBytes))
}

// StandbyStatusSent increments the standby status update counter.
func (c *Collector) StandbyStatusSent(server string) {
	c.standbyUpdatesTotal.WithLabelValues(server).Inc()
}

// RemoveServer removes all per-server metrics for a server that no longer
// exists after a reload.
func (c *Collector) RemoveServer(server string) {
	c.serverHealth.DeleteLabelValues(server)
	c.queryDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.queryErrors.DeletePartialMatch(prometheus.Labels{"server": server})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"server": server})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"server": server})
	c.replicationLagBytes.DeleteLabelValues(server)
	c.standbyUpdatesTotal.DeleteLabelValues(server)
}
