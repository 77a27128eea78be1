package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"

	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// HealthHandler exposes liveness and readiness probes. Database and Redis
// are both optional: the fabric core runs in-memory without either.
type HealthHandler struct {
	db    *sql.DB
	redis *redis.Client
}

// NewHealthHandler wires a handler to the optional backing stores. Either
// may be nil.
func NewHealthHandler(db *sql.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "healthy",
		"service": "agent-communication-fabric",
		"time":    time.Now().UTC(),
	})
}

// Readiness handles GET /health/ready.
func (h *HealthHandler) Readiness(c fiber.Ctx) error {
	dbStatus := "not configured"
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"ready": false,
				"error": "database unavailable",
			})
		}
		dbStatus = "connected"
		metrics.UpdateDatabaseConnections(float64(h.db.Stats().OpenConnections))
	}

	redisStatus := "not configured"
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unavailable (optional)"
		} else {
			redisStatus = "connected"
		}
	}

	return c.JSON(fiber.Map{
		"ready":    true,
		"database": dbStatus,
		"redis":    redisStatus,
	})
}
