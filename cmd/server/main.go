package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ridecore/dispatch/config"
	"github.com/ridecore/dispatch/internal/handler"
	"github.com/ridecore/dispatch/internal/middleware"
	"github.com/ridecore/dispatch/internal/model"
	"github.com/ridecore/dispatch/internal/runtime"
	"github.com/ridecore/dispatch/pkg/cache"
	"github.com/ridecore/dispatch/pkg/db"
	"github.com/ridecore/dispatch/pkg/metrics"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Wire every component package ────────────────────
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize runtime: %v", err)
	}
	defer rt.Close()
	log.Println("✓ PostgreSQL connected")
	log.Println("✓ Redis connected")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dispatchHandler := handler.NewDispatchHandler(rt.Matcher, rt.Jobs, rt.Captains)
	cancelHandler := handler.NewCancelHandler(rt.Cancel, rt.Jobs)
	pricingHandler := handler.NewPricingHandler(rt.Pricing, cfg.Dispatch.CommissionPct)
	wsHandler := handler.NewWSHandler(rt.Hub, rt.Presence)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()
	router.Use(middleware.RequestLogger, middleware.Recoverer)

	router.HandleFunc("/health", healthHandler(rt)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	auth := middleware.Auth(cfg.Auth.JWTSecret)
	api := router.PathPrefix("/").Subrouter()
	api.Use(auth, rt.Limiter.Middleware, rt.Idempotency.Middleware)

	api.HandleFunc("/jobs/create", dispatchHandler.CreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/accept", dispatchHandler.AcceptJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/reject", dispatchHandler.RejectJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/complete", dispatchHandler.CompleteJob).Methods(http.MethodPost)

	captains := api.PathPrefix("/captains").Subrouter()
	captains.Use(middleware.RequireRole(model.ActorCaptain))
	captains.HandleFunc("/online", dispatchHandler.SetOnline).Methods(http.MethodPost)
	captains.HandleFunc("/location", dispatchHandler.UpdateLocation).Methods(http.MethodPost)

	api.HandleFunc("/cancel/policy", cancelHandler.Policy).Methods(http.MethodGet)
	api.HandleFunc("/cancel/order", cancelHandler.CancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/cancel/ride", cancelHandler.CancelRide).Methods(http.MethodPost)

	api.HandleFunc("/pricing/calculate", pricingHandler.Calculate).Methods(http.MethodPost)
	api.HandleFunc("/rides/fare", pricingHandler.Fare).Methods(http.MethodPost)

	// The push channel upgrades outside the JSON-body middleware chain —
	// idempotency replay makes no sense for a long-lived connection.
	router.HandleFunc("/ws/{role}/{id}", wsHandler.Serve).Methods(http.MethodGet)

	handlerChain := middleware.CORS(router)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      handlerChain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), rt.Postgres); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), rt.Redis); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
