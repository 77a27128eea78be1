package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfabric/fabric/internal/application"
	"github.com/agentfabric/fabric/internal/crypto"
)

func newTestRegistry(t *testing.T) *application.Registry {
	t.Helper()
	discovery := application.NewDiscoveryService(application.NewHashEmbedder(32), application.NewMemoryVectorIndex())
	reg := application.NewRegistry(discovery, nil)
	require.NoError(t, reg.Initialize())
	return reg
}

func newAgentTestApp(t *testing.T) (*fiber.App, *application.Registry) {
	t.Helper()
	reg := newTestRegistry(t)
	handler := NewAgentHandler(reg)

	app := fiber.New()
	app.Post("/api/v1/agents", handler.Register)
	app.Get("/api/v1/agents/:id", handler.Get)
	app.Delete("/api/v1/agents/:id", handler.Unregister)
	app.Get("/api/v1/agents/capability/:name", handler.ByCapability)
	app.Post("/api/v1/discovery/semantic", handler.Semantic)
	return app, reg
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAgentHandler_Register_GeneratesKeyAndDisclosesPrivateKeyOnce(t *testing.T) {
	app, reg := newAgentTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "weather-1",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"name":              "Weather Forecaster",
		"description":       "forecasts for locations",
		"organization":      "Weather Corp",
		"capabilities": []map[string]any{
			{"name": "weather_forecast", "description": "predicts weather"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.NotEmpty(t, body["private_key"])
	assert.NotNil(t, reg.GetRegistration("weather-1"))
}

func TestAgentHandler_Register_AcceptsSuppliedPublicKey(t *testing.T) {
	app, reg := newAgentTestApp(t)

	identity, err := crypto.CreateKeyBased()
	require.NoError(t, err)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "keyed-agent",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"public_key":        identity.PublicKeyPEM,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.Nil(t, body["private_key"])

	stored := reg.GetRegistration("keyed-agent")
	require.NotNil(t, stored)
	assert.Equal(t, identity.DID, stored.Identity.DID)
}

func TestAgentHandler_Register_RejectsMalformedPublicKey(t *testing.T) {
	app, _ := newAgentTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "bad-key-agent",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"public_key":        "not a pem block",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentHandler_Register_RejectsDuplicateAgentID(t *testing.T) {
	app, _ := newAgentTestApp(t)

	payload := map[string]any{
		"agent_id":          "dup-agent",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
	}
	first := doJSON(t, app, http.MethodPost, "/api/v1/agents", payload)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	first.Body.Close()

	second := doJSON(t, app, http.MethodPost, "/api/v1/agents", payload)
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestAgentHandler_Get_ReturnsNotFoundForUnknownAgent(t *testing.T) {
	app, _ := newAgentTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentHandler_Unregister_RemovesRegisteredAgent(t *testing.T) {
	app, reg := newAgentTestApp(t)

	createResp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "to-delete",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
	})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	createResp.Body.Close()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agents/to-delete", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Nil(t, reg.GetRegistration("to-delete"))
}

func TestAgentHandler_ByCapability_FindsExactMatch(t *testing.T) {
	app, _ := newAgentTestApp(t)

	createResp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "weather-1",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"capabilities": []map[string]any{
			{"name": "weather_forecast", "description": "predicts weather"},
		},
	})
	require.Equal(t, http.StatusCreated, createResp.StatusCode)
	createResp.Body.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/capability/weather_forecast", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.EqualValues(t, 1, body["count"])
}

// TestAgentHandler_Semantic_FiltersByOrganizationList posts the literal
// filter shape the external interface documents: organization maps to a
// list of strings, not a bare scalar.
func TestAgentHandler_Semantic_FiltersByOrganizationList(t *testing.T) {
	app, _ := newAgentTestApp(t)

	weatherCorp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "weather-1",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"name":              "Weather Forecaster",
		"description":       "forecasts weather conditions for locations",
		"organization":      "Weather Corp",
		"capabilities": []map[string]any{
			{"name": "weather_forecast", "description": "predicts weather conditions"},
		},
	})
	require.Equal(t, http.StatusCreated, weatherCorp.StatusCode)
	weatherCorp.Body.Close()

	otherCorp := doJSON(t, app, http.MethodPost, "/api/v1/agents", map[string]any{
		"agent_id":          "weather-2",
		"agent_type":        "ai",
		"interaction_modes": []string{"agent_to_agent"},
		"name":              "Weather Forecaster",
		"description":       "forecasts weather conditions for locations",
		"organization":      "Other Corp",
		"capabilities": []map[string]any{
			{"name": "weather_forecast", "description": "predicts weather conditions"},
		},
	})
	require.Equal(t, http.StatusCreated, otherCorp.StatusCode)
	otherCorp.Body.Close()

	resp := doJSON(t, app, http.MethodPost, "/api/v1/discovery/semantic", map[string]any{
		"query":     "predict weather conditions",
		"limit":     5,
		"threshold": 0.1,
		"filters": map[string]any{
			"organization": []string{"Weather Corp"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, agents)
	for _, a := range agents {
		agent := a.(map[string]any)
		assert.Equal(t, "Weather Corp", agent["organization"])
	}
}

func TestAgentHandler_Semantic_RequiresQuery(t *testing.T) {
	app, _ := newAgentTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/discovery/semantic", map[string]any{
		"limit": 5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
