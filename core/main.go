package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetcore/core/auth"
	"fleetcore/core/dispatch"
	"fleetcore/core/heartbeat"
	"fleetcore/core/idempotency"
	"fleetcore/core/metrics"
	"fleetcore/core/middleware"
	"fleetcore/core/observer"
	"fleetcore/core/session"
	"fleetcore/core/store"
)

type config struct {
	ListenAddr       string
	StoreDriver      string // "memory" | "postgres"
	DatabaseURL      string
	RedisAddr        string
	SecretValue      string
	SecretPath       string
	HeartbeatSweep   time.Duration
	OfflineThreshold time.Duration
	PruneInterval    time.Duration
	MetricsRetention time.Duration
}

func loadConfig() config {
	cfg := config{
		ListenAddr:       ":8080",
		StoreDriver:      "memory",
		SecretPath:       "fleetcore.secret",
		HeartbeatSweep:   10 * time.Second,
		OfflineThreshold: 90 * time.Second,
		PruneInterval:    1 * time.Hour,
		MetricsRetention: 30 * 24 * time.Hour,
	}
	if v := os.Getenv("SM_NODE__CORE__LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SM_NODE__CORE__STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SM_NODE__CORE__TOKEN"); v != "" {
		cfg.SecretValue = v
	}
	if v := os.Getenv("SM_NODE__CORE__SECRET_PATH"); v != "" {
		cfg.SecretPath = v
	}
	if v := os.Getenv("SM_NODE__CORE__OFFLINE_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OfflineThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SM_NODE__ADVANCED__METRICS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MetricsRetention = time.Duration(n) * 24 * time.Hour
		}
	}
	return cfg
}

func main() {
	cfg := loadConfig()

	var s store.Store
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("core: connect to postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("core: using postgres store")
	default:
		s = store.NewMemoryStore()
		log.Println("core: using in-memory store")
	}

	secret, err := auth.Load(cfg.SecretValue, cfg.SecretPath)
	if err != nil {
		log.Fatalf("core: load shared secret: %v", err)
	}

	var redisCache *metrics.RedisCache
	if cfg.RedisAddr != "" {
		redisCache, err = metrics.NewRedisCache(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Printf("core: redis latest-metric cache unavailable, continuing without it: %v", err)
			redisCache = nil
		} else {
			log.Printf("core: using redis at %s for the latest-metric cache", cfg.RedisAddr)
			defer redisCache.Close()
		}
	}

	events := make(chan session.ChangeEvent, 1024)
	registry := session.NewRegistry(events)
	cache := metrics.NewCache()

	broadcaster := observer.NewBroadcaster(s, registry, cache)
	dispatcher := dispatch.NewDispatcher(s, registry)

	ingester := metrics.NewIngester(s, cache, func(nodeID string) {
		broadcaster.NotifyMetricsChanged(nodeID)
		if redisCache != nil {
			if sample, ok := cache.Get(nodeID); ok {
				redisCache.PutIfNewer(context.Background(), sample)
			}
		}
	})

	monitor := heartbeat.NewMonitor(s, registry, cfg.HeartbeatSweep, cfg.OfflineThreshold, func(nodeID, status string) {
		broadcaster.NotifyStatusChanged(nodeID, status)
	})

	pruner := metrics.NewPruner(s, cfg.PruneInterval, cfg.MetricsRetention)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Fan registry change events (node_joined/node_left/node_info_changed)
	// into the broadcaster's nodes_update coalescing path.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				broadcaster.NotifyNodesChanged(ev.NodeID)
			}
		}
	}()

	go broadcaster.Run(ctx.Done())
	monitor.Start(ctx)
	pruner.Start(ctx)

	agents := newAgentHub(s, registry, ingester, dispatcher, broadcaster)
	observers := newObserverHub(registry, broadcaster)

	idem := idempotency.NewStore(idempotency.DefaultTTL)
	idem.Start(ctx, 10*time.Minute)

	api := NewAPI(s, registry, dispatcher, cache, idem)
	mux := http.NewServeMux()
	api.Routes(mux, secret, agents, observers)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler := middleware.CORSMiddleware(mux)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("core: graceful shutdown failed: %v", err)
		}
	}()

	fmt.Printf("fleetcore core listening on %s (store=%s)\n", cfg.ListenAddr, cfg.StoreDriver)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("core: listen: %v", err)
	}
}
