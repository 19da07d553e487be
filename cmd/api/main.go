package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/audit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/auth"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/feed"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/hardening"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/httpx"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/metrics"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/ratelimit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/roles"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/store"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/stream"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  apiDB
	Cache               store.Cache
	Redis               *redis.Client
	Sessions            *auth.Issuer
	Audit               *audit.Writer
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Feed                *feed.Publisher
	Log                 *slog.Logger
	AuthLimiter         ratelimit.Limiter
	APILimiter          ratelimit.Limiter
	RateLimitEnabled    bool
	AuthLimit           int
	APILimit            int
	RateLimitWindow     time.Duration
	StatsCacheTTL       time.Duration
	TrustedProxyCIDRs   []*net.IPNet
	MaxRequestBodyBytes int64
	CookieSecure        bool
}

type apiDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type apiDBCloser interface {
	apiDB
	Close()
}

type apiInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type apiOpenDBFunc func(ctx context.Context) (apiDBCloser, error)
type apiOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type apiListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openDBFn      = func(ctx context.Context) (apiDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn   = store.NewRedis
	listenFn      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runAPI(initTelemetry, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("api: %v", err)
	}
}

func runAPI(
	initTelemetry apiInitTelemetryFunc,
	openDB apiOpenDBFunc,
	openRedis apiOpenRedisFunc,
	listen apiListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "kodespace-api")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	jwtSecret := env("JWT_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "kodespace-api",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		JWTSecret:             jwtSecret,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		AllowedOrigins:        env("ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}
	if jwtSecret == "" {
		jwtSecret = "dev-only-insecure-secret"
		log.Printf("JWT_SECRET not set, using development default")
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	// production defaults are tighter; both stay overridable by env
	authLimitDefault, apiLimitDefault := 10, 240
	if isProductionLikeEnv(runtimeEnv) {
		authLimitDefault, apiLimitDefault = 5, 120
	}

	s := &Server{
		DB:                  pool,
		Cache:               store.NewCache(redisClient),
		Redis:               redisClient,
		Sessions:            auth.NewIssuer(jwtSecret, envDurationSec("SESSION_TTL_SEC", 86400)),
		Audit:               &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", ""))},
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Log:                 slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		AuthLimit:           envInt("AUTH_RATE_LIMIT", authLimitDefault),
		APILimit:            envInt("API_RATE_LIMIT", apiLimitDefault),
		RateLimitWindow:     rateLimitWindow,
		StatsCacheTTL:       envDurationSec("STATS_CACHE_TTL_SEC", 15),
		TrustedProxyCIDRs:   parseCIDRs(env("TRUSTED_PROXY_CIDRS", "")),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		CookieSecure:        isProductionLikeEnv(runtimeEnv),
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.AuthLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
			s.APILimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.AuthLimiter = ratelimit.NewInMemory(rateLimitWindow)
			s.APILimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := feed.NewPublisher(feed.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_SNIPPET_TOPIC", "snippet-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		s.Feed = publisher
		defer func() { _ = publisher.Close() }()
	}

	addr := env("ADDR", ":8080")
	log.Printf("api listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
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

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware(env("CSP_DIRECTIVES", ""), env("PERMISSIONS_POLICY", "")))
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("kodespace-api"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "kodespace-api"})
	})

	r.Route("/v1/auth", func(ar chi.Router) {
		ar.With(s.rateLimitMiddleware("auth")).Post("/register", s.handleRegister)
		ar.With(s.rateLimitMiddleware("auth")).Post("/login", s.handleLogin)
		// callback completes an already-admitted login exchange and is
		// deliberately outside the auth limiter
		ar.Get("/callback", s.handleAuthCallback)
	})

	api := chi.NewRouter()
	api.Use(s.rateLimitMiddleware("api"))
	api.Use(s.Sessions.Middleware)
	api.Use(httpx.OriginCheckMiddleware(env("ALLOWED_ORIGINS", "")))

	api.Get("/v1/me", s.requireUser(s.handleMe))
	api.Get("/v1/users/{user_id}/stats", s.handleUserStats)

	api.Post("/v1/snippets", s.requireUser(s.handleCreateSnippet))
	api.Get("/v1/snippets", s.handleListSnippets)
	api.Get("/v1/snippets/{snippet_id}", s.handleGetSnippet)
	api.Patch("/v1/snippets/{snippet_id}", s.requireUser(s.handleUpdateSnippet))
	api.Delete("/v1/snippets/{snippet_id}", s.requireUser(s.handleDeleteSnippet))

	api.Post("/v1/snippets/{snippet_id}/like", s.requireUser(s.handleLike))
	api.Post("/v1/snippets/{snippet_id}/unlike", s.requireUser(s.handleUnlike))
	api.Post("/v1/snippets/{snippet_id}/bookmark", s.requireUser(s.handleBookmark))
	api.Post("/v1/snippets/{snippet_id}/unbookmark", s.requireUser(s.handleUnbookmark))
	api.Post("/v1/snippets/{snippet_id}/comments", s.requireUser(s.handleCreateComment))
	api.Get("/v1/snippets/{snippet_id}/comments", s.handleListComments)

	api.Post("/v1/snippets/{snippet_id}/verify", s.requireUser(s.handleVerify))
	api.Post("/v1/snippets/{snippet_id}/unverify", s.requireUser(s.handleUnverify))
	api.Post("/v1/snippets/{snippet_id}/request-verification", s.requireUser(s.handleRequestVerification))
	api.Get("/v1/verification/pending", s.withVerifier(s.handlePendingVerifications))

	api.Get("/v1/admin/users", s.withModerator(s.handleListUsers))
	api.Patch("/v1/admin/users/{user_id}/role", s.withAdmin(s.handleChangeRole))
	api.Delete("/v1/admin/snippets/{snippet_id}", s.withModerator(s.handleAdminDeleteSnippet))
	api.Get("/v1/admin/snippets/{snippet_id}/audit", s.withModerator(s.handleSnippetAudit))

	api.Get("/v1/stream", s.requireUser(s.streamEvents))
	api.Get("/v1/metrics", s.withModerator(func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.Handler()(w, r)
	}))
	api.Get("/v1/metrics/prometheus", s.withModerator(func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.PrometheusHandler()(w, r)
	}))

	r.Mount("/", api)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the hijacker underneath,
// which the websocket upgrade on /v1/stream needs.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
		if rec.code >= 500 && s.Log != nil {
			actor := ""
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				actor = s.Audit.HashActor(p.ID)
			}
			s.Log.Error("request failed",
				"path", path,
				"status", rec.code,
				"actor_hash", actor,
				"client_ip", s.clientIP(r),
				"elapsed_ms", elapsed.Milliseconds(),
			)
		}
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

// rateLimitMiddleware admits by client IP before any credential work.
// The auth class covers login/register; everything else shares the api
// class budget.
func (s *Server) rateLimitMiddleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.RateLimitEnabled {
				next.ServeHTTP(w, r)
				return
			}
			limiter := s.APILimiter
			limit := s.APILimit
			if class == "auth" {
				limiter = s.AuthLimiter
				limit = s.AuthLimit
			}
			if limiter == nil || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := class + ":" + s.clientIP(r)
			decision := limiter.Allow(key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				s.Metrics.IncThrottled(class)
				httpx.RateLimited(w, decision.RetryAfter(time.Now().UTC()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireUser rejects anonymous requests; role checks live in the
// access engine or in the with* wrappers below.
func (s *Server) requireUser(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.PrincipalFromContext(r.Context()); !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		h(w, r)
	}
}

func (s *Server) withVerifier(h http.HandlerFunc) http.HandlerFunc {
	return s.withCapability(h, roles.CanVerify)
}

func (s *Server) withModerator(h http.HandlerFunc) http.HandlerFunc {
	return s.withCapability(h, roles.CanModerate)
}

func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return s.withCapability(h, func(role string) bool {
		return roles.Normalize(role) == roles.Admin
	})
}

func (s *Server) withCapability(h http.HandlerFunc, allowed func(string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !allowed(principal.Role) {
			s.Metrics.IncDecision("denied", "insufficient_role")
			_ = s.Audit.Append(r.Context(), newEventID(), audit.EventDenied, principal.ID, r.URL.Path, r.Method, "insufficient_role", nil)
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitList(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// publishActivity mirrors one snippet lifecycle event to the websocket
// hub, the optional Kafka topic, and the metrics registry.
func (s *Server) publishActivity(ctx context.Context, kind, snippetID string, payload interface{}) {
	evt := stream.NewEvent(kind, payload)
	if s.Events != nil {
		s.Events.Publish(evt)
	}
	if err := s.Feed.Publish(ctx, snippetID, evt); err != nil && s.Log != nil {
		s.Log.Warn("feed publish failed", "kind", kind, "snippet_id", snippetID, "err", err.Error())
	}
	if idx := strings.LastIndexByte(kind, '.'); idx >= 0 {
		s.Metrics.IncSnippetEvent(kind[idx+1:])
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
