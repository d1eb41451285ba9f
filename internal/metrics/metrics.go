package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdesk_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskdesk_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	taskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdesk_task_transitions_total",
		Help: "Task mutations by operation and resulting status",
	}, []string{"operation", "status"})

	identityOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdesk_identity_operations_total",
		Help: "Identity operations by name and result",
	}, []string{"operation", "result"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdesk_webhook_deliveries_total",
		Help: "Webhook delivery attempts by result",
	}, []string{"result"})

	eventWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskdesk_event_write_failures_total",
		Help: "Saved mutations whose event could not be appended",
	}, []string{"entity_kind"})

	pendingUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskdesk_pending_users",
		Help: "Users awaiting approval at last count",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveTaskTransition counts a task mutation, labelled with the status the task ended in.
func ObserveTaskTransition(operation, status string) {
	taskTransitions.WithLabelValues(operation, status).Inc()
}

func ObserveIdentity(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	identityOperations.WithLabelValues(operation, result).Inc()
}

func ObserveWebhookDelivery(result string) {
	webhookDeliveries.WithLabelValues(result).Inc()
}

// ObserveEventWriteFailure counts an event lost after its mutation was saved.
func ObserveEventWriteFailure(entityKind string) {
	eventWriteFailures.WithLabelValues(entityKind).Inc()
}

func SetPendingUsers(count int) {
	if count < 0 {
		count = 0
	}
	pendingUsers.Set(float64(count))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
