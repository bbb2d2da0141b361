package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/database"
	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/handlers"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/mailer"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/repository/memory"
	"github.com/diagnosis/salon-bookings/services/reservations/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type repositories struct {
	drafts       repository.DraftRepository
	reservations repository.ReservationRepository
	challenges   repository.ChallengeRepository
	catalog      repository.CatalogRepository
	idempotency  repository.IdempotencyRepository
	rateLimits   repository.RateLimitRepository
}

func main() {
	cfg := config.Load()
	clk := clock.Real()
	metrics.Register()

	ctx := context.Background()

	var pool *pgxpool.Pool
	if usesDriver(cfg, "postgres") {
		var err error
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
	}

	var rdb *redis.Client
	if usesDriver(cfg, "redis") {
		var err error
		rdb, err = database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	repos := buildRepositories(cfg, clk, pool, rdb)

	if cfg.Booking.CatalogFile != "" {
		services, err := repository.LoadCatalogFile(cfg.Booking.CatalogFile)
		if err != nil {
			logger.Error("Failed to load service catalog", "error", err, "file", cfg.Booking.CatalogFile)
			os.Exit(1)
		}
		if err := repos.catalog.Upsert(ctx, services); err != nil {
			logger.Error("Failed to seed service catalog", "error", err)
			os.Exit(1)
		}
		logger.Info("Service catalog seeded", "services", len(services))
	}

	eventBus := connectEventBus(cfg)
	defer eventBus.Close()

	if err := eventBus.QueueSubscribe(events.ManualConfirmationRequested, "reservations-staff", func(msg *events.Message) {
		var evt events.ManualConfirmationEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			logger.Error("Malformed manual confirmation event", "error", err)
			return
		}
		logger.Warn("Manual confirmation needs staff follow-up",
			"reservation_id", evt.ReservationID,
			"client", evt.ClientName,
			"phone", evt.ClientPhone,
		)
	}); err != nil {
		logger.Error("Failed to subscribe to manual confirmations", "error", err)
	}

	mailService := newMailer(cfg)

	// Initialize services
	confirmationService := service.NewConfirmationService(repos.reservations, repos.challenges, repos.drafts,
		repos.catalog, repos.rateLimits, mailService, eventBus, clk, cfg)
	draftService := service.NewDraftService(repos.drafts, repos.reservations, clk, cfg)
	reservationService := service.NewReservationService(repos.reservations, repos.drafts, repos.catalog,
		repos.idempotency, confirmationService, eventBus, clk, cfg)
	sweeper := service.NewSweeper(confirmationService, draftService, repos.challenges, repos.idempotency, repos.rateLimits, clk)

	h := handlers.New(draftService, reservationService, confirmationService, cfg)

	// Setup router
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", "X-Session-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("reservations"))
	r.Use(mw.SessionID)
	r.Use(mw.Logging)
	r.Use(middleware.Recoverer)
	r.Use(mw.Health)
	r.Use(mw.Metrics)

	r.Mount("/", h.Routes())

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sweeper.Run(sweepCtx, cfg.Booking.SweepInterval)

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down reservations service...")
		stopSweeper()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Reservations service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting reservations service",
		"port", cfg.Server.Port,
		"storage", cfg.Booking.StorageDriver,
		"drafts", cfg.Booking.DraftBackend,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Reservations service error", "error", err)
		os.Exit(1)
	}
}

func usesDriver(cfg *config.Config, driver string) bool {
	b := cfg.Booking
	return b.StorageDriver == driver || b.DraftBackend == driver || b.IdempotencyDriver == driver
}

func buildRepositories(cfg *config.Config, clk clock.Clock, pool *pgxpool.Pool, rdb *redis.Client) repositories {
	var repos repositories

	switch cfg.Booking.StorageDriver {
	case "memory":
		logger.Warn("Using in-memory storage, data is lost on restart")
		repos.reservations = memory.NewReservationRepository(clk)
		repos.challenges = memory.NewChallengeRepository()
		repos.catalog = memory.NewCatalogRepository()
		repos.rateLimits = memory.NewRateLimitRepository(clk)
	default:
		repos.reservations = repository.NewReservationRepository(pool)
		repos.challenges = repository.NewChallengeRepository(pool)
		repos.catalog = repository.NewCatalogRepository(pool)
		repos.rateLimits = repository.NewRateLimitRepository(pool)
	}

	switch cfg.Booking.DraftBackend {
	case "redis":
		repos.drafts = repository.NewRedisDraftRepository(rdb, cfg.Booking.DraftRetention)
	case "memory":
		repos.drafts = memory.NewDraftRepository(clk)
	default:
		repos.drafts = repository.NewDraftRepository(pool)
	}

	switch cfg.Booking.IdempotencyDriver {
	case "redis":
		repos.idempotency = repository.NewRedisIdempotencyRepository(rdb, cfg.Booking.IdempotencyTTL)
	case "memory":
		repos.idempotency = memory.NewIdempotencyRepository(clk, cfg.Booking.IdempotencyTTL)
	default:
		repos.idempotency = repository.NewIdempotencyRepository(pool, cfg.Booking.IdempotencyTTL)
	}

	return repos
}

// connectEventBus falls back to the in-process bus when NATS is not configured
// or unreachable; events are then only seen by local subscribers.
func connectEventBus(cfg *config.Config) events.EventBus {
	if cfg.NATS.URL == "" {
		logger.Info("NATS_URL not set, using in-process event bus")
		return events.NewMemoryBus()
	}
	bus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS, using in-process event bus", "error", err)
		return events.NewMemoryBus()
	}
	return bus
}

func newMailer(cfg *config.Config) mailer.Service {
	switch {
	case cfg.Email.DevMode:
		logger.Info("Email dev mode, verification emails are logged")
		return mailer.NewDevMailer()
	case cfg.Email.MailerSendKey != "":
		return mailer.NewMailerSend(cfg.Email.MailerSendKey, cfg.Email.FromName, cfg.Email.SMTPFrom)
	default:
		return mailer.NewSMTPMailer(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPFrom,
			cfg.Email.FromName, cfg.Email.SMTPUser, cfg.Email.SMTPPass, cfg.Email.SMTPUseTLS)
	}
}
