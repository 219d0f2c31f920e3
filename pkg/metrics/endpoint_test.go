package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsEndpointHandler_ServesRegisteredMetrics(t *testing.T) {
	registry := DefaultRegistry()
	registry.Business().LockerAssignedTotal.WithLabelValues("rfid").Inc()

	handler, err := NewMetricsEndpointHandler(DefaultEndpointConfig(), registry)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "lockerctl_business_locker_assigned_total")
}

func TestNewMetricsEndpointHandler_WithoutRuntimeCollectors(t *testing.T) {
	config := EndpointConfig{EnableGoRuntime: false, EnableProcess: false}
	handler, err := NewMetricsEndpointHandler(config, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
