// Command devbroker runs the development relay: REST endpoints, the
// websocket hub, and optional Redis fanout for multi-instance setups.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatkit/internal/broker"
	"chatkit/internal/config"
	"chatkit/internal/observability"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "chatkit-devbroker",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   cfg.SamplerRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
	}

	store := broker.NewStore()
	seedStore(store, cfg.SeedUsers)

	notifier := broker.NewNotifier(rdb)
	hub := broker.NewHub(store, notifier)
	api := broker.NewAPI(store, hub, cfg.JWTSecret)

	wireCtx, wireCancel := context.WithCancel(context.Background())
	defer wireCancel()
	if rdb != nil {
		if err := hub.StartWiring(wireCtx, notifier); err != nil {
			log.Fatalf("Failed to wire Redis fanout: %v", err)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:   "chatkit devbroker",
		BodyLimit: 1024 * 1024,
	})

	prom := fiberprometheus.New("chatkit-devbroker")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)

	api.Mount(app)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down devbroker...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		wireCancel()
		if err := hub.Shutdown(ctx); err != nil {
			log.Printf("Hub shutdown error: %v", err)
		}
		if err := app.ShutdownWithContext(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("Tracing shutdown error: %v", err)
		}
	}()

	log.Printf("devbroker listening on port %s...", cfg.BrokerPort)
	log.Fatal(app.Listen(":" + cfg.BrokerPort))
}

// seedStore creates throwaway accounts so the relay is usable immediately.
// Every seeded account uses the password "password123".
func seedStore(store *broker.Store, count int) {
	gofakeit.Seed(0)

	usernames := make([]string, 0, count)
	for i := 0; i < count; i++ {
		username := gofakeit.Username()
		if _, err := store.CreateUser(username, "password123", gofakeit.ImageURL(128, 128)); err != nil {
			continue
		}
		usernames = append(usernames, username)
	}

	for _, name := range usernames {
		log.Printf("seeded user %q (password: password123)", name)
	}
}
