/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * the external feature service client, message brokers, repositories, the core application
 * service, the background reconciler, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: For the scheduled reconcile pass.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/featureclient: Client for the ArcGIS feature services holding the platform data.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/givemap/donation-service/internal/api"
	"github.com/givemap/donation-service/internal/app"
	"github.com/givemap/donation-service/internal/config"
	"github.com/givemap/donation-service/internal/store"
	"github.com/givemap/donation-service/pkg/featureclient"
	rmrabbit "github.com/givemap/donation-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.DonationsLayerURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"donations layer url must be configured\" env=DONATIONS_LAYER_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if _, err := dbpool.Exec(context.Background(), `
        CREATE TABLE IF NOT EXISTS donations (
            id UUID PRIMARY KEY,
            donor_email TEXT NOT NULL,
            donor_x DOUBLE PRECISION NOT NULL DEFAULT 0,
            donor_y DOUBLE PRECISION NOT NULL DEFAULT 0,
            recipient_kind TEXT NOT NULL,
            recipient_objectid INTEGER NOT NULL,
            recipient_name TEXT NOT NULL DEFAULT '',
            recipient_email TEXT NOT NULL DEFAULT '',
            donation_field TEXT NOT NULL DEFAULT '',
            recipient_x DOUBLE PRECISION NOT NULL DEFAULT 0,
            recipient_y DOUBLE PRECISION NOT NULL DEFAULT 0,
            amount DOUBLE PRECISION NOT NULL,
            donated_at TIMESTAMPTZ NOT NULL,
            reconcile_state TEXT NOT NULL DEFAULT 'pending',
            reconcile_attempts INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE INDEX IF NOT EXISTS idx_donations_donor_email ON donations (lower(btrim(donor_email)));
        CREATE INDEX IF NOT EXISTS idx_donations_reconcile_state ON donations (reconcile_state, created_at);
    `); err != nil {
		log.Printf("Warning: failed ensuring tables (may already exist): %v", err)
	}

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var events rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		events = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		events = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the external feature services.
	features := featureclient.NewClient(
		cfg.CharitiesLayerURL,
		cfg.NeediesLayerURL,
		cfg.DonorsLayerURL,
		cfg.DonationsLayerURL,
	)

	var redisClient *redis.Client
	if cfg.BatchRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; batch rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; batch rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; batch rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	donationService := app.NewService(
		repository,
		features,
		events,
		cfg.MinDonationEGP,
		cfg.MaxDonationEGP,
	)
	if redisClient != nil {
		donationService.SetBatchRateLimiter(
			app.NewRedisBatchRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.BatchRateLimitPerMinute,
		)
	}

	// Background reconciler retries remaining-need updates that failed during
	// batch processing.
	reconciler := app.NewReconciler(repository, features, cfg.ReconcileMaxAttempts, cfg.ReconcileBatchSize)

	scheduler := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.Default()))))
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, runErr := reconciler.Run(runCtx); runErr != nil {
			log.Printf("level=error component=reconciler msg=\"scheduled pass failed\" err=%v", runErr)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid reconcile schedule\" schedule=%q err=%v", cfg.ReconcileSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("level=info component=bootstrap msg=\"reconciler scheduled\" schedule=%q", cfg.ReconcileSchedule)

	// Initialize the API handlers.
	donationHandlers := api.NewDonationHandlers(donationService, reconciler)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/donations", api.DonationRoutes(donationHandlers, cfg.InternalAPIKey))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
