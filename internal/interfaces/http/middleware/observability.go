package middleware

import (
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

// CORSMiddleware configures CORS for the admin/observability surface.
// Only the origins the fabric's own operator console needs are allowed;
// agent-to-agent and agent-to-hub traffic never goes through a browser.
func CORSMiddleware(allowedOrigins []string) fiber.Handler {
	origins := "*"
	if len(allowedOrigins) > 0 {
		joined := ""
		for i, o := range allowedOrigins {
			if i > 0 {
				joined += ","
			}
			joined += o
		}
		origins = joined
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		ExposeHeaders:    "X-Fabric-Request-Id",
		AllowCredentials: true,
		MaxAge:           3600,
	})
}

// LoggerMiddleware logs every request handled by the fabric's HTTP
// surface, tagging each line so it's distinguishable in a multi-service
// log stream from the agent-core/hub goroutine logs.
func LoggerMiddleware() fiber.Handler {
	return logger.New(logger.Config{
		Format:     "[fabric] [${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: time.RFC3339,
		TimeZone:   "UTC",
	})
}

// RecoveryMiddleware recovers from panics in an HTTP handler so a single
// bad request (e.g. a malformed discovery filter) can't take down the
// whole admin surface, which would otherwise also sever every agent's
// in-process hub connection.
func RecoveryMiddleware() fiber.Handler {
	return recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e interface{}) {
			log.Printf("\n===== agent-communication-fabric: panic recovered =====\n")
			log.Printf("error: %v\n", e)
			log.Printf("path: %s method: %s\n", c.Path(), c.Method())
			log.Printf("stack:\n%s\n", debug.Stack())
			log.Printf("========================================================\n\n")
			c.Locals("panic_error", fmt.Sprintf("%v", e))
		},
	})
}
