// Command gateway runs the multi-tenant RPC gateway: it loads
// configuration, connects to MongoDB, builds the chain registry and
// upstream pools, starts the health prober, and serves the proxy, auth,
// apps and admin HTTP surfaces until told to shut down.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/adminapi"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/appsapi"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/authapi"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/chainregistry"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/config"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/dispatch"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/healthprobe"
	gwmetrics "github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/metrics"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/ratelimit"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/reverseproxy"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/upstreampool"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exit codes, per spec.md §6: 0 clean shutdown, 1 startup failure (bad
// configuration, store unreachable), 2 irrecoverable runtime fault.
const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading configuration", zap.Error(err))
		return exitStartup
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Error("connecting to mongodb", zap.Error(err))
		return exitStartup
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		logger.Error("pinging mongodb", zap.Error(err))
		return exitStartup
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = client.Disconnect(shutdownCtx)
	}()

	mongoStore := store.NewMongoStore(client.Database("rpc_gateway"))
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		logger.Error("ensuring indexes", zap.Error(err))
		return exitStartup
	}

	registry := chainregistry.New(cfg)
	pools := upstreampool.NewManager(registry)

	var m *gwmetrics.Metrics
	if cfg.EnableMetrics {
		m, err = gwmetrics.Acquire(nil)
		if err != nil {
			logger.Error("registering metrics", zap.Error(err))
			return exitStartup
		}
		defer gwmetrics.Release()
	}

	// A nil *Metrics inside the HealthGauge interface would not compare equal
	// to nil in the prober, so metrics-disabled runs pass a nil interface.
	var gauge healthprobe.HealthGauge
	if m != nil {
		gauge = m
	}
	prober := healthprobe.New(logger, gauge)
	prober.Start(pools, registry)
	defer prober.Stop()

	limiter := ratelimit.New()
	defer limiter.Stop()

	proxy := reverseproxy.New(pools, logger)
	dispatcher := dispatch.New(registry, pools, mongoStore, limiter, proxy, m, logger)

	authHandlers := authapi.New(mongoStore.Users(), cfg.JWTSecret, logger)
	appsHandlers := appsapi.New(mongoStore, mongoStore.Settings(), logger)
	aggregator := gwmetrics.NewAggregator()
	adminHandlers := adminapi.New(registry, pools, prober, aggregator, mongoStore.Chains(), mongoStore, mongoStore.Users(), mongoStore.Settings(), logger)

	router := buildRouter(dispatcher, authHandlers, appsHandlers, adminHandlers, cfg.EnableMetrics, start, client)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serveErr:
		logger.Error("server error", zap.Error(err))
		return exitRuntime
	}

	// Drain order: stop admission (http.Server.Shutdown refuses new
	// connections immediately), let in-flight proxy calls finish, then the
	// deferred prober.Stop/limiter.Stop/client.Disconnect above unwind.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
		return exitRuntime
	}

	return exitOK
}

func buildRouter(d *dispatch.Dispatcher, auth *authapi.Handlers, apps *appsapi.Handlers, admin *adminapi.Handlers, enableMetrics bool, start time.Time, mongoClient *mongo.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key"},
	}))

	r.Get("/health", serveGatewayHealth(start, mongoClient))
	r.Get("/health/{chain}", admin.PublicNodeHealth)

	if enableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	d.Routes(r)
	auth.Routes(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		apps.Routes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(auth.AdminOnly)
		admin.Routes(r)
	})

	return r
}

// gatewayHealthResponse is spec.md §6's `GET /health` shape.
type gatewayHealthResponse struct {
	Status   string         `json:"status"`
	Services gatewayHealthServices `json:"services"`
}

type gatewayHealthServices struct {
	Database string  `json:"database"`
	Memory   uint64  `json:"memory"`
	Uptime   float64 `json:"uptime"`
}

// serveGatewayHealth reports process self-health: MongoDB reachability, heap
// in use, and process uptime, per spec.md §6.
func serveGatewayHealth(start time.Time, mongoClient *mongo.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := gatewayHealthResponse{
			Status: "healthy",
			Services: gatewayHealthServices{
				Database: "ok",
				Uptime:   time.Since(start).Seconds(),
			},
		}

		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := mongoClient.Ping(pingCtx, nil); err != nil {
			resp.Status = "degraded"
			resp.Services.Database = "unavailable"
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		resp.Services.Memory = mem.HeapInuse

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
