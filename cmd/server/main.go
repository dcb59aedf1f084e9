package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/nucleus-ads/adsgateway/internal/admin"
	"github.com/nucleus-ads/adsgateway/internal/ads"
	"github.com/nucleus-ads/adsgateway/internal/auth"
	"github.com/nucleus-ads/adsgateway/internal/breaker"
	"github.com/nucleus-ads/adsgateway/internal/cache"
	"github.com/nucleus-ads/adsgateway/internal/config"
	"github.com/nucleus-ads/adsgateway/internal/db"
	"github.com/nucleus-ads/adsgateway/internal/gateway"
	"github.com/nucleus-ads/adsgateway/internal/quota"
	"github.com/nucleus-ads/adsgateway/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	database, err := db.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer database.Close()

	// Redis backs the shared quota counters and the shared cache tier.
	// Without it the process still serves, but quota and cache state are
	// process-local.
	governor, sharedStore := buildBackends(cfg)

	twoTier := cache.NewTwoTier(cfg.LRUCacheSize, sharedStore)

	breakers := breaker.NewRegistry(breaker.Options{
		MinCalls:    cfg.BreakerMinCalls,
		FailureRate: cfg.BreakerFailureRate,
		Window:      cfg.BreakerWindow,
		Cooldown:    cfg.BreakerCooldown,
	})

	deduper := breaker.NewDeduper(cfg.BreakerWindow)
	sched := scheduler.New(scheduler.Options{
		Workers:  cfg.SchedulerWorkers,
		QueueMax: cfg.SchedulerQueueMax,
		Governor: governor,
		Breakers: breakers,
		Cache:    twoTier,
		Deduper:  deduper,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)

	seedGovernor(ctx, database, governor)

	var client ads.Client
	if cfg.UseMockAds {
		client = ads.NewMockClient()
		log.Printf("using mock ads upstream")
	} else {
		client = ads.NewHTTPClient(cfg.AdsAPIBaseURL, cfg.AdsTimeout)
		log.Printf("using ads upstream at %s", cfg.AdsAPIBaseURL)
	}
	manager := ads.NewManager(client, sched, twoTier, cfg.AdsRatePerSec)

	router := mux.NewRouter()
	authMiddleware := auth.NewMiddleware(cfg.JWTSecret)

	// Public routes
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.HandleFunc("/health/ready", readyHandler(governor)).Methods("GET")
	router.HandleFunc("/auth/token", tokenHandler(database, cfg)).Methods("POST")

	// Admin routes, admin role required
	if cfg.AdminAPIKey != "" {
		adminRouter := router.PathPrefix("/admin").Subrouter()
		adminRouter.Use(mux.MiddlewareFunc(authMiddleware.Authenticate))
		adminRouter.Use(mux.MiddlewareFunc(authMiddleware.RequireRole(auth.RoleAdmin)))
		adminHandler := admin.NewHandler(database, governor, twoTier, sched, breakers, cfg.GlobalDailyQuota)
		adminHandler.RegisterRoutes(adminRouter)
	} else {
		log.Printf("ADMIN_API_KEY not set, admin surface disabled")
	}

	// Tenant-facing API
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(mux.MiddlewareFunc(authMiddleware.Authenticate))
	gateway.NewHandler(database, manager, governor).RegisterRoutes(apiRouter)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed:", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	deduper.Flush()
}

// buildBackends picks Redis-backed quota and cache stores when Redis is
// reachable, in-memory ones otherwise.
func buildBackends(cfg *config.Config) (quota.Governor, cache.SharedStore) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Invalid REDIS_URL:", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("redis unavailable (%v), using in-memory quota and cache", err)
		return quota.NewMemoryGovernor(cfg.GlobalDailyQuota, cfg.BronzeReservePct), cache.NewMemoryStore()
	}

	governor := quota.NewRedisGovernor(client, cfg.BronzeReservePct)

	// First boot against an empty Redis: establish the global budget. An
	// existing budget survives restarts untouched.
	if status, err := governor.Status(pingCtx, 0); err == nil && status.GlobalDaily == 0 {
		if err := governor.ResetGlobal(pingCtx, cfg.GlobalDailyQuota); err != nil {
			log.Fatal("Failed to initialize global quota:", err)
		}
		log.Printf("global quota initialized to %d units", cfg.GlobalDailyQuota)
	}

	return governor, cache.NewRedisStore(client)
}

// seedGovernor loads tier, budget and pause state for every registered
// tenant, so reservations work before the first admin edit.
func seedGovernor(ctx context.Context, database *db.DB, governor quota.Governor) {
	tenants, err := database.ListTenants(ctx)
	if err != nil {
		log.Printf("tenant seed skipped: %v", err)
		return
	}

	for _, tenant := range tenants {
		id := strconv.Itoa(tenant.ID)
		if err := governor.SetTenantTier(ctx, id, tenant.Tier); err != nil {
			log.Printf("seed tier for tenant %s: %v", id, err)
		}

		// Do not clobber a live remaining counter on restart.
		if status, err := governor.TenantStatus(ctx, id); err != nil || status.Quota == 0 {
			if err := governor.SetTenantQuota(ctx, id, tenant.DailyQuota); err != nil {
				log.Printf("seed quota for tenant %s: %v", id, err)
			}
		}

		if tenant.Paused {
			if err := governor.Pause(ctx, id); err != nil {
				log.Printf("seed pause for tenant %s: %v", id, err)
			}
		}
	}
	log.Printf("governor seeded with %d tenants", len(tenants))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

// readyHandler reports readiness by touching the quota backend.
func readyHandler(governor quota.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := governor.Status(r.Context(), 0); err != nil {
			http.Error(w, "quota backend unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	}
}

func tokenHandler(database *db.DB, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			APIKey string `json:"api_key"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}

		// The operator key mints admin tokens; everything else resolves
		// through the tenant registry.
		if cfg.AdminAPIKey != "" && req.APIKey == cfg.AdminAPIKey {
			token, err := auth.GenerateToken(0, req.APIKey, auth.RoleAdmin, cfg.JWTSecret)
			if err != nil {
				http.Error(w, "Failed to generate token", http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"token": token})
			return
		}

		tenant, err := database.GetTenantByAPIKey(r.Context(), req.APIKey)
		if err != nil {
			log.Printf("Tenant lookup failed: %v", err)
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		token, err := auth.GenerateToken(tenant.ID, tenant.APIKey, auth.RoleViewer, cfg.JWTSecret)
		if err != nil {
			log.Printf("Token generation failed: %v", err)
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}
