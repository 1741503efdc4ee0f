package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/HengLine/ai-diffusion-aigc/internal/client"
	"github.com/HengLine/ai-diffusion-aigc/internal/config"
	"github.com/HengLine/ai-diffusion-aigc/internal/handler"
	"github.com/HengLine/ai-diffusion-aigc/internal/queue"
	ws "github.com/HengLine/ai-diffusion-aigc/internal/websocket"
	"github.com/HengLine/ai-diffusion-aigc/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize engine client
	engine := client.NewComfyClient(client.Config{
		BaseURL:        cfg.Engine.BaseURL,
		ClientID:       cfg.Engine.ClientID,
		PingTimeout:    cfg.Engine.PingTimeout,
		RequestTimeout: cfg.Engine.RequestTimeout,
		PollInterval:   cfg.Engine.PollInterval,
		PollBackoffMax: cfg.Engine.PollBackoffMax,
		MaxWait:        cfg.Engine.MaxWait,
	})

	// Probe the engine; tasks submitted while it is down will be retried
	if !engine.Ping(context.Background()) {
		log.Printf("Warning: generation engine not reachable at %s", cfg.Engine.BaseURL)
	}

	// Initialize workflow template store
	store := workflow.NewStore(cfg.Workflow.TemplateDir)

	// Initialize task journal
	journal, err := queue.NewJournal(cfg.Queue.JournalDir)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize task queue manager
	manager := queue.NewManager(queue.Config{
		Workers:      cfg.Queue.Workers,
		RetryCeiling: cfg.Queue.RetryCeiling,
		RetryBackoff: cfg.Queue.RetryBackoff,
		OutputDir:    cfg.Queue.OutputDir,
		UploadFolder: cfg.Engine.UploadFolder,
		Templates:    cfg.Workflow.Templates,
		Defaults:     cfg.Workflow.Defaults,
	}, engine, store, journal, hub)
	manager.Start()

	// Schedule retention cleanup
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Queue.CleanupCron, func() {
		manager.CleanupExpired(cfg.Queue.Retention)
	}); err != nil {
		log.Fatalf("Invalid cleanup schedule %q: %v", cfg.Queue.CleanupCron, err)
	}
	scheduler.Start()

	// Initialize handlers
	taskHandler := handler.NewTaskHandler(manager, validate)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"engine": engine.Ping(c.Context()),
		})
	})

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api")

	// Task routes
	tasks := api.Group("/tasks")
	tasks.Get("/", taskHandler.List)
	tasks.Post("/:kind", taskHandler.Submit)
	tasks.Get("/:taskId", taskHandler.Status)
	tasks.Post("/:taskId/cancel", taskHandler.Cancel)

	// Queue stats
	api.Get("/queue", taskHandler.QueueStats)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		scheduler.Stop()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		manager.Close()
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
