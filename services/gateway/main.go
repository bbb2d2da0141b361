package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/clock"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/database"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/handlers"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/proxy"
	"github.com/diagnosis/salon-bookings/services/gateway/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func main() {
	cfg := config.Load()

	reservationsProxy := proxy.NewServiceProxy(cfg.Gateway.ReservationsURL)

	var limiter ratelimit.Limiter
	switch cfg.Gateway.RateLimitBackend {
	case "redis":
		rdb, err := database.ConnectRedis(context.Background(), cfg.Redis)
		if err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb)
	default:
		limiter = ratelimit.NewMemoryLimiter(clock.Real())
	}

	h := handlers.New(reservationsProxy, limiter, cfg)

	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("gateway"))
	r.Use(mw.SessionID)
	r.Use(mw.Logging)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID", "X-Session-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(mw.Health)
	r.Use(mw.Metrics)

	r.Mount("/", h.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Gateway.Port,
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

		logger.Info("Shutting down gateway service...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Gateway shutdown error", "error", err)
		}
	}()

	logger.Info("Starting gateway service",
		"port", cfg.Gateway.Port,
		"reservations", cfg.Gateway.ReservationsURL,
		"rate_limit", cfg.Gateway.PublicRateLimit,
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Gateway server error", "error", err)
		os.Exit(1)
	}
}
