/**
 * @description
 * This is the main entry point for the billing-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the reconciliation core,
 * the cron scheduler, and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
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

	"github.com/paysoko/billing-service/internal/api"
	"github.com/paysoko/billing-service/internal/app"
	"github.com/paysoko/billing-service/internal/config"
	"github.com/paysoko/billing-service/internal/store"
	"github.com/paysoko/billing-service/pkg/gatewayclient"
	rmrabbit "github.com/paysoko/billing-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	// Webhook authentication is mandatory; refusing to boot beats accepting
	// unsigned payment notifications.
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"webhook secret must be configured\" env=GATEWAY_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting billing-service\" port=%s", cfg.ServerPort)

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

	// Initialize the RabbitMQ producer to publish audit and fulfillment events.
	var publisher app.EventPublisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback publisher\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment gateway API.
	gatewayClient := gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)

	// The reference lease defaults to the in-process registry; Redis upgrades
	// it to a cross-replica lease when configured and reachable.
	leaseWait := time.Duration(cfg.LeaseWaitMs) * time.Millisecond
	var leases app.Locker = app.NewLeaseRegistry(leaseWait)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process leases\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process leases\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				leases = app.NewRedisLeaseStore(redisClient, cfg.RedisLeasePrefix,
					time.Duration(cfg.LeaseTTLSeconds)*time.Second, leaseWait)
				log.Println("level=info component=bootstrap msg=\"redis connected; distributed leases enabled\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the reconciliation core and the services around it.
	reconciler := app.NewReconciler(repository, leases, publisher, cfg.AuditExchange, cfg.EventExchange)
	billingService := app.NewService(repository, gatewayClient, reconciler, leases)

	gatewayTimeout := time.Duration(cfg.GatewayTimeoutSeconds) * time.Second
	sweeper := app.NewSweeper(repository, gatewayClient, reconciler, app.SweeperConfig{
		MinAge:      time.Duration(cfg.SweepMinAgeSeconds) * time.Second,
		MaxAge:      time.Duration(cfg.OrderPaymentMaxAgeHrs) * time.Hour,
		BatchLimit:  cfg.SweepBatchLimit,
		ItemTimeout: gatewayTimeout,
	})
	billingCycle := app.NewBillingService(repository, gatewayClient, reconciler, publisher, cfg.EventExchange, app.BillingConfig{
		RetryLimit:   cfg.BillingRetryLimit,
		SuspendAfter: cfg.BillingSuspendAfter,
		RetryBase:    time.Duration(cfg.BillingRetryBaseMins) * time.Minute,
		ItemTimeout:  gatewayTimeout,
	})

	// Start the cron scheduler for the sweep and billing jobs.
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(sweeper, billingCycle, slogger, cfg.SweepSchedule, cfg.BillingSchedule)
	scheduler.Start()

	// Initialize the API handlers.
	billingHandlers := api.NewBillingHandlers(billingService)
	webhookHandler := api.NewWebhookHandler(reconciler, cfg.GatewayWebhookSecret)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.BillingRoutes(billingHandlers, webhookHandler, cfg.JWKSURL))

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

	// Let in-flight cron jobs drain before exiting.
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
