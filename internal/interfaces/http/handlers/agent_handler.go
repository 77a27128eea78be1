// Package handlers implements the thin administration and observability
// HTTP surface over the in-process registry and hub.
package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/agentfabric/fabric/internal/application"
	"github.com/agentfabric/fabric/internal/crypto"
	"github.com/agentfabric/fabric/internal/domain"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// AgentHandler exposes agent registration and discovery over HTTP.
type AgentHandler struct {
	registry *application.Registry
}

// NewAgentHandler wires a handler to the shared registry.
func NewAgentHandler(registry *application.Registry) *AgentHandler {
	return &AgentHandler{registry: registry}
}

type capabilityRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Version      string         `json:"version,omitempty"`
}

type skillRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// registerAgentRequest is the registration payload accepted by
// POST /api/v1/agents. PublicKeyPEM is optional: when absent, the server
// generates a fresh key-based identity on the agent's behalf.
type registerAgentRequest struct {
	AgentID            string              `json:"agent_id"`
	AgentType          domain.AgentType    `json:"agent_type"`
	InteractionModes   []string            `json:"interaction_modes"`
	PublicKeyPEM       string              `json:"public_key,omitempty"`
	Name               string              `json:"name,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Description        string              `json:"description,omitempty"`
	Version            string              `json:"version,omitempty"`
	Organization       string              `json:"organization,omitempty"`
	Developer          string              `json:"developer,omitempty"`
	URL                string              `json:"url,omitempty"`
	DocumentationURL   string              `json:"documentation_url,omitempty"`
	Capabilities       []capabilityRequest `json:"capabilities,omitempty"`
	Skills             []skillRequest      `json:"skills,omitempty"`
	Examples           []string            `json:"examples,omitempty"`
	Tags               []string            `json:"tags,omitempty"`
	AuthSchemes        []string            `json:"auth_schemes,omitempty"`
	DefaultInputModes  []string            `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string            `json:"default_output_modes,omitempty"`
	PaymentAddress     string              `json:"payment_address,omitempty"`
	CustomMetadata     map[string]string   `json:"custom_metadata,omitempty"`
}

// Register handles POST /api/v1/agents.
func (h *AgentHandler) Register(c fiber.Ctx) error {
	var req registerAgentRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.AgentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "agent_id is required"})
	}

	identity, err := h.resolveIdentity(req.PublicKeyPEM)
	if err != nil {
		status := fiber.StatusInternalServerError
		if req.PublicKeyPEM != "" {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	modes := make([]domain.InteractionMode, 0, len(req.InteractionModes))
	for _, m := range req.InteractionModes {
		modes = append(modes, domain.InteractionMode(m))
	}
	caps := make([]domain.Capability, 0, len(req.Capabilities))
	for _, cr := range req.Capabilities {
		caps = append(caps, domain.Capability{
			Name: cr.Name, Description: cr.Description,
			InputSchema: cr.InputSchema, OutputSchema: cr.OutputSchema, Version: cr.Version,
		})
	}
	skills := make([]domain.Skill, 0, len(req.Skills))
	for _, sr := range req.Skills {
		skills = append(skills, domain.Skill{Name: sr.Name, Description: sr.Description})
	}

	reg := &domain.AgentRegistration{
		AgentID:            req.AgentID,
		AgentType:          req.AgentType,
		InteractionModes:   modes,
		Identity:           identity,
		Name:               req.Name,
		Summary:            req.Summary,
		Description:        req.Description,
		Version:            req.Version,
		Organization:       req.Organization,
		Developer:          req.Developer,
		URL:                req.URL,
		DocumentationURL:   req.DocumentationURL,
		Capabilities:       caps,
		Skills:             skills,
		Examples:           req.Examples,
		Tags:               req.Tags,
		AuthSchemes:        req.AuthSchemes,
		DefaultInputModes:  req.DefaultInputModes,
		DefaultOutputModes: req.DefaultOutputModes,
		PaymentAddress:     req.PaymentAddress,
		CustomMetadata:     req.CustomMetadata,
		RegisteredAt:       time.Now(),
	}

	// identity.PrivateKeyPEM is tagged json:"-" so it never round-trips
	// through a stored registration; capture it now, before Register
	// clones the registration, so a server-generated key can be disclosed
	// to the caller exactly once.
	generatedPrivateKey := ""
	if req.PublicKeyPEM == "" {
		generatedPrivateKey = identity.PrivateKeyPEM
	}

	if !h.registry.Register(reg) {
		metrics.RecordRegistrationOperation("register", "rejected")
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "agent already registered or identity unverified"})
	}
	metrics.RecordRegistrationOperation("register", "ok")
	metrics.UpdateAgentsRegistered(float64(len(h.registry.GetAllAgents())))

	if generatedPrivateKey != "" {
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"registration": reg,
			"private_key":  generatedPrivateKey,
			"warning":      "private_key is returned only once; store it securely, it cannot be recovered",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(reg)
}

func (h *AgentHandler) resolveIdentity(publicKeyPEM string) (*domain.AgentIdentity, error) {
	if publicKeyPEM == "" {
		return crypto.CreateKeyBased()
	}
	did, err := crypto.DeriveDIDFromPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &domain.AgentIdentity{
		DID:                did,
		PublicKeyPEM:       publicKeyPEM,
		VerificationStatus: domain.VerificationPending,
		CreatedAt:          time.Now(),
	}, nil
}

// Get handles GET /api/v1/agents/:id.
func (h *AgentHandler) Get(c fiber.Ctx) error {
	reg := h.registry.GetRegistration(c.Params("id"))
	if reg == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "agent not found"})
	}
	return c.JSON(reg)
}

// Unregister handles DELETE /api/v1/agents/:id.
func (h *AgentHandler) Unregister(c fiber.Ctx) error {
	if !h.registry.Unregister(c.Params("id")) {
		metrics.RecordRegistrationOperation("unregister", "not_found")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "agent not found"})
	}
	metrics.RecordRegistrationOperation("unregister", "ok")
	metrics.UpdateAgentsRegistered(float64(len(h.registry.GetAllAgents())))
	return c.SendStatus(fiber.StatusNoContent)
}

// ByCapability handles GET /api/v1/agents/capability/:name.
func (h *AgentHandler) ByCapability(c fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "10"))
	if err != nil || limit <= 0 {
		limit = 10
	}
	threshold, err := strconv.ParseFloat(c.Query("threshold", "0.5"), 64)
	if err != nil {
		threshold = 0.5
	}

	start := time.Now()
	agents := h.registry.GetByCapability(c.Params("name"), limit, threshold)
	metrics.RecordDiscoveryQuery("capability")
	metrics.ObserveDiscoveryQueryDuration("capability", time.Since(start).Seconds())

	return c.JSON(fiber.Map{"agents": agents, "count": len(agents)})
}

// semanticSearchRequest is the body for POST /api/v1/discovery/semantic.
type semanticSearchRequest struct {
	Query     string                      `json:"query"`
	Limit     int                         `json:"limit"`
	Threshold float64                     `json:"threshold"`
	Filters   application.DiscoveryFilter `json:"filters"`
}

// Semantic handles POST /api/v1/discovery/semantic.
func (h *AgentHandler) Semantic(c fiber.Ctx) error {
	var req semanticSearchRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "query is required"})
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	start := time.Now()
	agents := h.registry.GetByCapabilitySemantic(req.Query, req.Limit, req.Threshold, req.Filters)
	metrics.RecordDiscoveryQuery("semantic")
	metrics.ObserveDiscoveryQueryDuration("semantic", time.Since(start).Seconds())

	return c.JSON(fiber.Map{"agents": agents, "count": len(agents)})
}
