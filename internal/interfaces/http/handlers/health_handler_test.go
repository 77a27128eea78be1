package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthTestApp(t *testing.T) *fiber.App {
	t.Helper()
	handler := NewHealthHandler(nil, nil)

	app := fiber.New()
	app.Get("/health", handler.Liveness)
	app.Get("/health/ready", handler.Readiness)
	return app
}

func TestHealthHandler_Liveness_ReportsHealthy(t *testing.T) {
	app := newHealthTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["time"])
}

func TestHealthHandler_Readiness_ReportsNotConfiguredBackingStoresAsReady(t *testing.T) {
	app := newHealthTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "not configured", body["database"])
	assert.Equal(t, "not configured", body["redis"])
}
