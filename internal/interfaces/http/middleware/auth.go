package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/agentfabric/fabric/internal/infrastructure/auth"
)

// AdminAuthMiddleware validates the bearer token gating the
// administration surface and sets the operator subject in context.
func AdminAuthMiddleware(tokens *auth.TokenService) fiber.Handler {
	return func(c fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "no authentication token provided",
			})
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authorization header format",
			})
		}

		claims, err := tokens.ValidateToken(parts[1])
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or expired token",
			})
		}

		c.Locals("admin_subject", claims.Subject)
		return c.Next()
	}
}
