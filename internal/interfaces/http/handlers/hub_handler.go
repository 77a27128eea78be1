package handlers

import (
	"github.com/gofiber/fiber/v3"

	"github.com/agentfabric/fabric/internal/application"
)

// HubHandler exposes hub message history over HTTP.
type HubHandler struct {
	hub *application.Hub
}

// NewHubHandler wires a handler to the shared hub.
func NewHubHandler(hub *application.Hub) *HubHandler {
	return &HubHandler{hub: hub}
}

// History handles GET /api/v1/hub/history.
func (h *HubHandler) History(c fiber.Ctx) error {
	history := h.hub.GetMessageHistory()
	return c.JSON(fiber.Map{"messages": history, "count": len(history)})
}
