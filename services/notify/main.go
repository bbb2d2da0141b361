package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/diagnosis/salon-bookings/internal/http/response"
	"github.com/diagnosis/salon-bookings/pkg/auth"
	"github.com/diagnosis/salon-bookings/pkg/config"
	"github.com/diagnosis/salon-bookings/pkg/events"
	"github.com/diagnosis/salon-bookings/pkg/logger"
	"github.com/diagnosis/salon-bookings/pkg/metrics"
	mw "github.com/diagnosis/salon-bookings/pkg/middleware"
	"github.com/diagnosis/salon-bookings/services/notify/internal/alerts"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg := config.Load()
	metrics.Register()

	if cfg.NATS.URL == "" {
		logger.Error("NATS_URL is required for the notify service")
		os.Exit(1)
	}
	bus, err := events.NewNATSEventBus(cfg.NATS.URL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	feed := alerts.NewFeed(500)
	if err := alerts.Subscribe(bus, feed); err != nil {
		logger.Error("Failed to subscribe to reservation events", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("notify"))
	r.Use(mw.Logging)
	r.Use(middleware.Recoverer)
	r.Use(mw.Health)
	r.Use(mw.Metrics)

	r.Route("/v1/alerts", func(r chi.Router) {
		r.Use(mw.RequireStaff(cfg.Auth.JWTSecret, auth.RoleStaff, response.Deny))
		r.Get("/", listAlerts(feed))
	})

	port := os.Getenv("NOTIFY_PORT")
	if port == "" {
		port = "8086"
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down notify service...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Notify service shutdown error", "error", err)
		}
	}()

	logger.Info("Starting notify service", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Notify service error", "error", err)
		os.Exit(1)
	}
}

func listAlerts(feed *alerts.Feed) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 500 {
				response.BadRequest(w, "limit must be between 1 and 500")
				return
			}
			limit = n
		}
		response.JSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"alerts":  feed.Recent(alerts.Kind(r.URL.Query().Get("kind")), limit),
		})
	}
}
