package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/levipshemish/jewgo-app-sub008/pkg/audit"
	"github.com/levipshemish/jewgo-app-sub008/pkg/auth"
	"github.com/levipshemish/jewgo-app-sub008/pkg/clientip"
	"github.com/levipshemish/jewgo-app-sub008/pkg/csrf"
	"github.com/levipshemish/jewgo-app-sub008/pkg/events"
	"github.com/levipshemish/jewgo-app-sub008/pkg/hardening"
	"github.com/levipshemish/jewgo-app-sub008/pkg/httpx"
	"github.com/levipshemish/jewgo-app-sub008/pkg/idempotency"
	"github.com/levipshemish/jewgo-app-sub008/pkg/merge"
	"github.com/levipshemish/jewgo-app-sub008/pkg/mergetoken"
	"github.com/levipshemish/jewgo-app-sub008/pkg/metrics"
	"github.com/levipshemish/jewgo-app-sub008/pkg/ratelimit"
	"github.com/levipshemish/jewgo-app-sub008/pkg/store"
	"github.com/levipshemish/jewgo-app-sub008/pkg/stream"
	"github.com/levipshemish/jewgo-app-sub008/pkg/telemetry"
)

// merger is the narrow orchestrator surface the handler needs.
type merger interface {
	Merge(ctx context.Context, sourceUID, targetUID string) ([]merge.Outcome, error)
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, correlationID string) (audit.Record, error)
	HashIdentity(uid string) string
}

type Server struct {
	UserDB              mergeDB
	Orchestrator        merger
	Audit               auditStore
	Ledger              *idempotency.Ledger
	Limiter             ratelimit.Limiter
	RateLimit           int
	RateLimitWindow     time.Duration
	Keychain            *mergetoken.Keychain
	CSRF                *csrf.Validator
	ClientIP            clientip.Resolver
	IPHashSalt          []byte
	SessionSecret       string
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Publisher           events.Publisher
	MaxRequestBodyBytes int64
}

type gatewayPools interface {
	UserDB() mergeDB
	ServiceDB() mergeDB
	Close()
}

type mergeDB = merge.DB

type storePools struct{ pools *store.Pools }

func (p storePools) UserDB() mergeDB    { return p.pools.User }
func (p storePools) ServiceDB() mergeDB { return p.pools.Service }
func (p storePools) Close()             { p.pools.Close() }

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenPoolsFunc func(ctx context.Context) (gatewayPools, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openPoolsFnG   = func(ctx context.Context) (gatewayPools, error) {
		pools, err := store.NewPools(ctx)
		if err != nil {
			return nil, err
		}
		return storePools{pools: pools}, nil
	}
	openRedisFnG = store.NewRedisIfConfigured
	listenFnG    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openPoolsFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openPools gatewayOpenPoolsFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pools, err := openPools(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pools.Close()

	// A configured but unreachable Redis is a startup error inside the
	// store; a nil client here means none was configured.
	redisClient, err := openRedis(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if redisClient == nil {
		log.Printf("gateway: no redis configured, using in-memory limits and ledger")
	} else {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	sessionSecret := env("SESSION_SECRET", "")
	if sessionSecret == "" {
		return errors.New("SESSION_SECRET required")
	}
	mergeSecret := env("MERGE_TOKEN_SECRET", "")
	if mergeSecret == "" {
		return errors.New("MERGE_TOKEN_SECRET required")
	}
	keychain, err := buildKeychain(
		mergeSecret,
		env("MERGE_TOKEN_SECRET_PREVIOUS", ""),
		envInt("MERGE_TOKEN_KEY_VERSION", 1),
		envDurationSec("MERGE_TOKEN_MAX_AGE_SEC", 900),
	)
	if err != nil {
		return fmt.Errorf("merge token keys: %w", err)
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		TrustedProxyCIDRs:     env("TRUSTED_PROXY_CIDRS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "SESSION_SECRET", Value: sessionSecret},
			{Name: "MERGE_TOKEN_SECRET", Value: mergeSecret},
			{Name: "IP_HASH_SALT", Value: env("IP_HASH_SALT", "")},
		},
	}); err != nil {
		return err
	}

	tables := merge.DefaultTableOwners
	if raw := env("MERGE_TABLES", ""); raw != "" {
		tables, err = merge.ParseTableOwners(raw)
		if err != nil {
			return fmt.Errorf("MERGE_TABLES: %w", err)
		}
	}
	orchestrator, err := merge.NewOrchestrator(
		pools.ServiceDB(),
		tables,
		time.Millisecond*time.Duration(envInt("MERGE_TABLE_TIMEOUT_MS", 5000)),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	var publisher events.Publisher
	if brokers := env("MERGE_EVENTS_KAFKA_BROKERS", ""); brokers != "" {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("MERGE_EVENTS_KAFKA_TOPIC", "account-merges"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = kp.Close() }()
		publisher = kp
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	csrfSecret := env("CSRF_TOKEN_SECRET", sessionSecret)
	s := &Server{
		UserDB:          pools.UserDB(),
		Orchestrator:    orchestrator,
		Audit:           &audit.Writer{DB: pools.ServiceDB(), HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Ledger:          idempotency.NewLedger(cache, envDurationSec("IDEMPOTENCY_TTL_SEC", 3600)),
		Limiter:         limiter,
		RateLimit:       envInt("MERGE_RATE_LIMIT", 5),
		RateLimitWindow: rateLimitWindow,
		Keychain:        keychain,
		CSRF:            csrf.NewValidator(env("CORS_ALLOWED_ORIGINS", ""), []byte(csrfSecret)),
		ClientIP: clientip.Resolver{
			TrustedProxyCIDRs: clientip.ParseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		},
		IPHashSalt:          []byte(env("IP_HASH_SALT", "")),
		SessionSecret:       sessionSecret,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Publisher:           publisher,
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	s.Metrics.SetGauge("merge_tables", float64(len(tables)))

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/v1/merge-anonymous", s.handleMergeAnonymous)

	opsRouter := chi.NewRouter()
	opsRouter.Use(auth.Middleware(sessionSecret))
	opsRouter.Get("/v1/metrics", s.withRoles(s.Metrics.Handler(), "ops"))
	opsRouter.Get("/v1/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), "ops"))
	opsRouter.Get("/v1/events", s.withRoles(s.streamEvents, "ops"))
	opsRouter.Get("/v1/audit/{correlation_id}", s.withRoles(s.getAudit, "ops"))
	r.Mount("/", opsRouter)

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// handleHealthz probes the user-privileged pool; the service pool is only
// touched by actual merges.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.UserDB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		var one int
		if err := s.UserDB.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			httpx.WriteJSON(w, 503, map[string]string{"status": "degraded", "service": "gateway"})
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		srv.Metrics.Observe(r.Method+" "+r.URL.Path, rec.code, time.Since(start))
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// buildKeychain assembles the ordered key list: current first, previous
// second. The previous key gets version-1 so rotation is a two-step env
// change: move the old secret to _PREVIOUS, bump the version.
func buildKeychain(current, previous string, version int, maxAge time.Duration) (*mergetoken.Keychain, error) {
	keys := []mergetoken.Key{{Version: version, Secret: []byte(current)}}
	if previous != "" {
		keys = append(keys, mergetoken.Key{Version: version - 1, Secret: []byte(previous)})
	}
	return mergetoken.NewKeychain(maxAge, keys...)
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
