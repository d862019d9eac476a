package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/config"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/handlers"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/hub"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/logging"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/publisher"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/retry"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("❌ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startup := retry.NewPolicy(5, time.Second).WithMaxDelay(10 * time.Second)

	// Holocron (optional)
	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.NewPostgres(cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Fatal("failed to open Holocron")
		}
		defer pg.Close()

		if err := startup.Execute(ctx, pg.Ping); err != nil {
			log.WithError(err).Fatal("failed to connect to Holocron")
		}
		if cfg.Database.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				log.WithError(err).Fatal("failed to apply schema")
			}
		}
		st = pg
		fmt.Println("✓ Connected to Holocron")
	} else {
		fmt.Println("  Holocron disabled (HOLOCRON_DSN not set), inline bankrolls only")
	}

	// Redis (optional)
	var pub handlers.Publisher
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("invalid REDIS_URL")
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		if err := startup.Execute(ctx, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}); err != nil {
			log.WithError(err).Fatal("failed to connect to Redis")
		}
		pub = publisher.NewStreamPublisher(redisClient, cfg.Redis.Stream, retry.NewPolicy(3, 100*time.Millisecond))
		fmt.Printf("✓ Connected to Redis (stream %s)\n", cfg.Redis.Stream)
	} else {
		fmt.Println("  Redis disabled (REDIS_URL not set), batches will not be published")
	}

	h := hub.NewHub()
	go h.Run(ctx)

	handler := handlers.NewHandler(ctx, cfg.Policy, cfg.RiskLevels, st, pub, h)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: /ws connections are long-lived
	}

	go func() {
		fmt.Printf("✓ Risk Engine started on port %d\n", cfg.Server.Port)
		fmt.Printf("  Kelly Multiplier: %.2f\n", cfg.Policy.KellyMultiplier)
		fmt.Printf("  Max Stake: %.1f%% of bankroll\n", cfg.Policy.MaxBetFraction*100)
		fmt.Printf("  Group Ceiling: %s of bankroll\n", cfg.Policy.GroupCeiling().String())
		fmt.Printf("  Min Confidence: %.2f\n", cfg.Policy.ConfidenceThreshold)
		if cfg.Policy.RiskLevel != "" {
			fmt.Printf("  Risk Level: %s\n", cfg.Policy.RiskLevel)
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("❌ Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n✓ Shutting down gracefully...")

	if err := gracefulStop(server, cancel, 10*time.Second); err != nil {
		fmt.Printf("❌ Shutdown error: %v\n", err)
	}

	fmt.Println("✓ Risk Engine stopped")
}

// gracefulStop drains in-flight requests before cancelling the service context,
// so batches already answered still get saved and published.
func gracefulStop(server *http.Server, cancel context.CancelFunc, timeout time.Duration) error {
	defer cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	return server.Shutdown(ctx)
}
