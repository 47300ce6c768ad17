package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"busgateway/internal/authz"
	"busgateway/internal/busclient"
	"busgateway/internal/cache"
	"busgateway/internal/config"
	"busgateway/internal/events"
	"busgateway/internal/gateway"
	"busgateway/internal/health"
	"busgateway/internal/httpx"
	"busgateway/internal/metrics"
	"busgateway/internal/ratelimit"
	"busgateway/internal/routing"
	"busgateway/internal/telemetry"
)

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayDialBusFunc func(ctx context.Context, cfg busclient.Config) (*busclient.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main(), mirroring the teacher's injection
// points so startup can be exercised without a live broker/listener.
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	dialBusG       = busclient.Dial
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	configPath := envOr("GATEWAY_CONFIG", "appsettings.json")
	if err := runGateway(configPath, initTelemetryG, dialBusG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	configPath string,
	initTelemetry gatewayInitTelemetryFunc,
	dialBus gatewayDialBusFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	routingCfg, err := config.BuildRoutingConfig(appCfg)
	if err != nil {
		return fmt.Errorf("routing config: %w", err)
	}
	router := routing.NewRouter(routingCfg)

	if appCfg.Tracing.OTLPEndpoint != "" {
		if _, set := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); !set {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", appCfg.Tracing.OTLPEndpoint)
		}
	}
	shutdownTelemetry, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	bus, err := dialBus(ctx, busclient.Config{
		URL:     appCfg.AMQPURL(),
		Timeout: time.Duration(appCfg.RabbitMQ.Timeout) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer bus.Close()

	verifier := authz.NewVerifier(authz.VerifierConfig{
		Authority:            appCfg.AppSettings.Keycloak.Authority,
		Audiences:            []string{appCfg.AppSettings.Keycloak.Audience, "account", "gc-front", "gc-gateway-api"},
		RequireHTTPSMetadata: appCfg.AppSettings.Keycloak.RequireHTTPSMetadata,
		HTTPClient:           telemetry.InstrumentClient(nil),
	})
	metricsRegistry := metrics.New()
	authFilter := &authz.Filter{Verifier: verifier, ScopeCheck: router.IsPublic, Observer: metricsRegistry}

	hub := events.NewHub()

	probe := &health.Probe{Router: router, Bus: bus, Observer: metricsRegistry, Notifier: hub}

	limiter := buildLimiter(ctx, appCfg)
	idempotencyCache := buildCache(ctx, appCfg)

	srv := &gateway.Server{
		Router:  router,
		Bus:     bus,
		Auth:    authFilter,
		Metrics: metricsRegistry,
		Events:  hub,
		Cache:   idempotencyCache,
	}

	r := chi.NewRouter()
	r.Use(middlewareRecoverer)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(joinOrigins(appCfg.AppSettings.AllowedOrigins)))
	r.Use(ratelimit.Middleware(limiter, hub, appCfg.RateLimit.PerMinute))

	gateway.MountHealth(r, probe)
	srv.Mount(r)
	r.Get("/metrics", metricsRegistry.Handler().ServeHTTP)
	r.With(requireAuthenticated(authFilter)).Get("/api/ops/stream", events.ServeWS(hub, envOr("WS_ALLOWED_ORIGINS", "")))

	addr := envOr("ADDR", ":8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if appCfg.TLS.CertFile != "" && appCfg.TLS.KeyFile != "" {
		go func() {
			tlsAddr := envOr("TLS_ADDR", ":8081")
			log.Printf("gateway listening (TLS) on %s", tlsAddr)
			tlsServer := &http.Server{Addr: tlsAddr, Handler: r}
			if err := tlsServer.ListenAndServeTLS(appCfg.TLS.CertFile, appCfg.TLS.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("tls listener stopped: %v", err)
			}
		}()
	}

	log.Printf("gateway listening on %s", addr)
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildLimiter wires the Redis-backed limiter when configured,
// falling back to the in-memory implementation otherwise — the same
// redis-or-memory fallback the teacher's cache package uses.
func buildLimiter(ctx context.Context, appCfg *config.AppConfig) ratelimit.Limiter {
	window := time.Minute
	if !appCfg.RateLimit.Enabled {
		return ratelimit.NewInMemory(window)
	}
	if appCfg.RateLimit.RedisAddr == "" {
		return ratelimit.NewInMemory(window)
	}
	client := redis.NewClient(&redis.Options{Addr: appCfg.RateLimit.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("rate limiter redis unavailable, falling back to in-memory: %v", err)
		return ratelimit.NewInMemory(window)
	}
	return ratelimit.NewRedis(client, window)
}

// buildCache wires the Idempotency-Key replay guard to the same Redis
// instance as the rate limiter when one is configured, so a gateway
// with multiple replicas shares idempotency state across them; it
// falls back to an in-process cache otherwise.
func buildCache(ctx context.Context, appCfg *config.AppConfig) cache.Cache {
	if appCfg.RateLimit.RedisAddr == "" {
		return cache.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{Addr: appCfg.RateLimit.RedisAddr})
	return cache.NewCache(ctx, client)
}

func middlewareRecoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httpx.NewResponseRecorder(w)
		defer func() {
			if v := recover(); v != nil {
				traceID := r.Header.Get("Trace-Id")
				log.Printf("panic recovered [trace=%s]: %v", traceID, v)
				if !rec.Started() {
					httpx.WriteErrorBody(rec, http.StatusInternalServerError, "unexpected", "an unexpected error occurred", traceID, "")
				}
			}
		}()
		next.ServeHTTP(rec, r)
	})
}

func requireAuthenticated(f *authz.Filter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, ok := f.Authorize(r.Context(), r, "ops", "stream", "")
			if !ok {
				httpx.WriteErrorBody(w, http.StatusUnauthorized, "unauthenticated", "a valid bearer token is required", r.Header.Get("Trace-Id"), "")
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func joinOrigins(origins []string) string {
	out := ""
	for i, o := range origins {
		if i > 0 {
			out += ","
		}
		out += o
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
