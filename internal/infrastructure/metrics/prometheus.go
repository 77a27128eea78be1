package metrics

import (
	"bytes"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// Registry metrics
	agentsRegisteredGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_agents_registered",
			Help: "Number of currently registered agents",
		},
	)

	registrationOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_registration_operations_total",
			Help: "Total number of register/unregister/update operations",
		},
		[]string{"operation", "status"},
	)

	// Discovery metrics
	discoveryQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_discovery_queries_total",
			Help: "Total number of capability discovery queries",
		},
		[]string{"mode"},
	)

	discoveryQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_discovery_query_duration_seconds",
			Help:    "Duration of capability discovery queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Hub / routing metrics
	messagesRoutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_messages_routed_total",
			Help: "Total number of messages routed through the hub",
		},
		[]string{"message_type", "status"},
	)

	activeAgentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_active_agents",
			Help: "Number of agents currently bound to the hub",
		},
	)

	// Interaction control metrics
	cooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_cooldowns_total",
			Help: "Total number of cooldown periods imposed by interaction control",
		},
		[]string{"window"},
	)

	collaborationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fabric_collaboration_requests_total",
			Help: "Total number of inter-agent collaboration requests",
		},
		[]string{"status"},
	)

	// Database metrics
	databaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fabric_database_connections_active",
			Help: "Number of active database connections",
		},
	)

	databaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fabric_database_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)
)

// PrometheusMiddleware collects HTTP metrics for all requests.
func PrometheusMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Response().StatusCode())
		method := c.Method()
		path := c.Path()

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

		return err
	}
}

// UpdateAgentsRegistered updates the gauge of currently registered agents.
func UpdateAgentsRegistered(count float64) {
	agentsRegisteredGauge.Set(count)
}

// RecordRegistrationOperation records a register/unregister/update call.
func RecordRegistrationOperation(operation, status string) {
	registrationOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDiscoveryQuery records a capability discovery query.
func RecordDiscoveryQuery(mode string) {
	discoveryQueriesTotal.WithLabelValues(mode).Inc()
}

// ObserveDiscoveryQueryDuration observes how long a discovery query took.
func ObserveDiscoveryQueryDuration(mode string, duration float64) {
	discoveryQueryDuration.WithLabelValues(mode).Observe(duration)
}

// RecordMessageRouted records the outcome of a RouteMessage call.
func RecordMessageRouted(messageType, status string) {
	messagesRoutedTotal.WithLabelValues(messageType, status).Inc()
}

// UpdateActiveAgents updates the count of agents currently bound to the hub.
func UpdateActiveAgents(count float64) {
	activeAgentsGauge.Set(count)
}

// RecordCooldown records a cooldown imposed by interaction control.
func RecordCooldown(window string) {
	cooldownsTotal.WithLabelValues(window).Inc()
}

// RecordCollaborationRequest records the outcome of a collaboration request.
func RecordCollaborationRequest(status string) {
	collaborationRequestsTotal.WithLabelValues(status).Inc()
}

// UpdateDatabaseConnections updates the count of active database connections.
func UpdateDatabaseConnections(count float64) {
	databaseConnectionsActive.Set(count)
}

// ObserveDatabaseQueryDuration observes the duration of a database query.
func ObserveDatabaseQueryDuration(queryType string, duration float64) {
	databaseQueryDuration.WithLabelValues(queryType).Observe(duration)
}

// PrometheusHandler returns a Fiber handler that exposes Prometheus metrics.
func PrometheusHandler() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		metricFamilies, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString("Error gathering metrics: " + err.Error())
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))

		for _, mf := range metricFamilies {
			if err := encoder.Encode(mf); err != nil {
				return c.Status(fiber.StatusInternalServerError).SendString("Error encoding metrics: " + err.Error())
			}
		}

		return c.SendString(buf.String())
	}
}
