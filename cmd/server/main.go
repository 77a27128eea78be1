package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agentfabric/fabric/internal/application"
	"github.com/agentfabric/fabric/internal/config"
	"github.com/agentfabric/fabric/internal/infrastructure/auth"
	"github.com/agentfabric/fabric/internal/infrastructure/cache"
	"github.com/agentfabric/fabric/internal/infrastructure/database"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
	"github.com/agentfabric/fabric/internal/infrastructure/repository"
	"github.com/agentfabric/fabric/internal/interfaces/http/handlers"
	"github.com/agentfabric/fabric/internal/interfaces/http/middleware"
)

// @title Agent Communication Fabric API
// @version 1.0
// @description administration and observability surface over a decentralized agent-communication fabric
// @host localhost:8080
// @BasePath /api/v1
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := initDatabase(cfg)
	if err != nil {
		log.Printf("Database connection failed: %v", err)
		log.Println("Continuing without persistence (registry will run purely in-memory)")
		db = nil
	} else {
		defer db.Close()
	}

	redisClient, err := initRedis(cfg)
	if err != nil {
		log.Printf("Redis connection failed: %v", err)
		log.Println("Continuing without the Redis embedding cache")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	var store application.RegistrationStore
	if db != nil {
		sqlxDB := sqlx.NewDb(db, "postgres")
		store = repository.NewRegistrationRepository(sqlxDB)
	}

	var redisCache *cache.RedisCache
	if redisClient != nil {
		redisCache, err = cache.NewRedisCache(&cache.CacheConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Printf("Cache initialization failed: %v", err)
		} else {
			defer redisCache.Close()
		}
	}

	discovery := application.NewDiscoveryService(
		application.NewHashEmbedder(128),
		application.NewMemoryVectorIndex(),
	)
	if redisCache != nil {
		discovery.UseEmbeddingCache(redisCache)
	}

	registry := application.NewRegistry(discovery, store)
	if err := registry.Initialize(); err != nil {
		log.Printf("Registry replay failed: %v", err)
	}

	hub := application.NewHub(registry)

	tokens := auth.NewTokenService(cfg.AdminToken.Secret, cfg.AdminToken.TTL)

	app := fiber.New(fiber.Config{
		AppName: "agent-communication-fabric",
	})

	app.Get("/metrics", metrics.PrometheusHandler())

	app.Use(middleware.RecoveryMiddleware())
	app.Use(middleware.LoggerMiddleware())
	app.Use(metrics.PrometheusMiddleware())
	allowedOrigins := []string{"http://localhost:3000"}
	if customOrigins := os.Getenv("ALLOWED_ORIGINS"); customOrigins != "" {
		allowedOrigins = []string{customOrigins}
	}
	app.Use(middleware.CORSMiddleware(allowedOrigins))

	healthHandler := handlers.NewHealthHandler(db, redisClient)
	app.Get("/health", healthHandler.Liveness)
	app.Get("/health/ready", healthHandler.Readiness)

	agentHandler := handlers.NewAgentHandler(registry)
	hubHandler := handlers.NewHubHandler(hub)

	v1 := app.Group("/api/v1")
	v1.Use(middleware.AdminAuthMiddleware(tokens))
	v1.Use(middleware.RateLimitMiddleware())
	v1.Post("/agents", agentHandler.Register)
	v1.Get("/agents/:id", agentHandler.Get)
	v1.Delete("/agents/:id", agentHandler.Unregister)
	v1.Get("/agents/capability/:name", agentHandler.ByCapability)
	v1.Post("/discovery/semantic", agentHandler.Semantic)
	v1.Get("/hub/history", hubHandler.History)

	port := cfg.Server.Port
	log.Printf("Agent communication fabric starting on port %s", port)
	if db != nil {
		log.Printf("Database: %s@%s:%d", cfg.Database.User, cfg.Database.Host, cfg.Database.Port)
	} else {
		log.Printf("Database: disabled (in-memory registry only)")
	}
	if redisClient != nil {
		log.Printf("Redis: %s:%d (connected)", cfg.Redis.Host, cfg.Redis.Port)
	} else {
		log.Printf("Redis: disabled (no embedding cache)")
	}

	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Fatal(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	log.Println("Server exited")
}

func initDatabase(cfg *config.Config) (*sql.DB, error) {
	if !cfg.Database.Enabled {
		return nil, fmt.Errorf("no database configured")
	}

	return database.Connect(&database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, fmt.Errorf("no redis host configured")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
