package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCountersExposed(t *testing.T) {
	ObserveTaskTransition("create", "PENDING")
	ObserveIdentity("login", nil)
	ObserveIdentity("login", errors.New("User not found"))
	ObserveWebhookDelivery("ok")
	SetPendingUsers(-3)

	body := scrape(t)
	assert.Contains(t, body, `taskdesk_task_transitions_total{operation="create",status="PENDING"}`)
	assert.Contains(t, body, `taskdesk_identity_operations_total{operation="login",result="ok"}`)
	assert.Contains(t, body, `taskdesk_identity_operations_total{operation="login",result="error"}`)
	assert.Contains(t, body, `taskdesk_webhook_deliveries_total{result="ok"}`)
	assert.Contains(t, body, "taskdesk_pending_users 0")
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMetricsMiddleware)
	r.Get("/v0/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v0/tasks/task-123", nil))

	body := scrape(t)
	assert.True(t, strings.Contains(body, `path="/v0/tasks/{id}",status="418"`), "expected route pattern label")
	assert.False(t, strings.Contains(body, "task-123"))
}
