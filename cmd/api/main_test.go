package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MuradEyvazli/Kodespace-sub001/pkg/ratelimit"
	"github.com/MuradEyvazli/Kodespace-sub001/pkg/roles"

	"github.com/redis/go-redis/v9"
)

type fakePool struct{ fakeDB }

func (f *fakePool) Close() {}

func TestRunAPIWiring(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("KAFKA_BROKERS", "")

	var telemetryService string
	var captured *http.Server
	err := runAPI(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			telemetryService = service
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (apiDBCloser, error) { return &fakePool{}, nil },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error {
			captured = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runAPI: %v", err)
	}
	if telemetryService != "kodespace-api" {
		t.Fatalf("unexpected telemetry service %q", telemetryService)
	}
	if captured == nil || captured.Handler == nil {
		t.Fatal("http server not configured")
	}
	if captured.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", captured.Addr)
	}
	// the router must come up even with redis unavailable
	rec := httptest.NewRecorder()
	captured.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}
}

func TestRunAPIDBError(t *testing.T) {
	err := runAPI(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context) (apiDBCloser, error) { return nil, errors.New("connect refused") },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("redis down") },
		func(server *http.Server) error { return nil },
	)
	if err == nil || !strings.Contains(err.Error(), "db:") {
		t.Fatalf("expected db error, got %v", err)
	}
}

func TestSecurityHeadersOnEveryResponse(t *testing.T) {
	s := newTestServer(&fakeDB{})
	rec := doRequest(s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing X-Content-Type-Options")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("missing X-Frame-Options")
	}
}

func TestAuthRateLimitRejects(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.RateLimitEnabled = true
	s.AuthLimit = 2
	s.APILimit = 100
	s.RateLimitWindow = time.Minute
	s.AuthLimiter = ratelimit.NewInMemory(time.Minute)
	s.APILimiter = ratelimit.NewInMemory(time.Minute)

	body := `{"email":"a@b.io","password":"whatever-long"}`
	for i := 0; i < 2; i++ {
		rec := doRequest(s, http.MethodPost, "/v1/auth/login", "", body)
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled under the limit", i+1)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("missing limit header: %v", rec.Header())
		}
	}
	rec := doRequest(s, http.MethodPost, "/v1/auth/login", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
	if !strings.Contains(rec.Body.String(), "retryAfter") {
		t.Fatalf("429 body must carry retryAfter: %s", rec.Body.String())
	}

	// the callback completes an already-issued token exchange and must
	// stay reachable through an auth-limiter burst
	cb := doRequest(s, http.MethodGet, "/v1/auth/callback", "", "")
	if cb.Code == http.StatusTooManyRequests {
		t.Fatal("auth callback must not share the auth limiter")
	}
	if cb.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without token, got %d", cb.Code)
	}
}

func TestAPIRateLimitSeparateFromAuth(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.RateLimitEnabled = true
	s.AuthLimit = 1
	s.APILimit = 3
	s.RateLimitWindow = time.Minute
	s.AuthLimiter = ratelimit.NewInMemory(time.Minute)
	s.APILimiter = ratelimit.NewInMemory(time.Minute)

	// exhaust auth; api class keeps its own budget
	doRequest(s, http.MethodPost, "/v1/auth/login", "", `{}`)
	doRequest(s, http.MethodPost, "/v1/auth/login", "", `{}`)

	for i := 0; i < 3; i++ {
		rec := doRequest(s, http.MethodGet, "/v1/snippets", "", "")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatalf("api request %d throttled under the limit", i+1)
		}
	}
	rec := doRequest(s, http.MethodGet, "/v1/snippets", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the api budget, got %d", rec.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.RateLimitEnabled = false
	for i := 0; i < 20; i++ {
		rec := doRequest(s, http.MethodGet, "/v1/snippets", "", "")
		if rec.Code == http.StatusTooManyRequests {
			t.Fatal("disabled limiter must never throttle")
		}
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	s := newTestServer(&fakeDB{})
	req := httptest.NewRequest(http.MethodGet, "/v1/snippets", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("presented-but-invalid token: expected 401, got %d", rec.Code)
	}
}

func TestVerifierGateOnPendingQueue(t *testing.T) {
	s := newTestServer(&fakeDB{})
	anon := doRequest(s, http.MethodGet, "/v1/verification/pending", "", "")
	if anon.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", anon.Code)
	}
	mid := doRequest(s, http.MethodGet, "/v1/verification/pending",
		signToken(t, s, "bob", roles.MidLevelDeveloper), "")
	if mid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", mid.Code)
	}
}

func TestClientIPTrustedProxy(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.TrustedProxyCIDRs = parseCIDRs("10.0.0.0/8")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := s.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("trusted proxy: expected forwarded ip, got %q", got)
	}

	// an untrusted peer cannot spoof through the header
	req.RemoteAddr = "198.51.100.7:5555"
	if got := s.clientIP(req); got != "198.51.100.7" {
		t.Fatalf("untrusted peer: expected remote addr, got %q", got)
	}

	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "192.0.2.4")
	if got := s.clientIP(req); got != "192.0.2.4" {
		t.Fatalf("trusted proxy real-ip: got %q", got)
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := parseCIDRs("10.0.0.0/8, 192.0.2.1, bogus, ")
	if len(nets) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(nets))
	}
	// a bare IP becomes a host route
	if ones, _ := nets[1].Mask.Size(); ones != 32 {
		t.Fatalf("expected /32 host route, got /%d", ones)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	s := newTestServer(&fakeDB{})
	s.MaxRequestBodyBytes = 64
	big := `{"email":"` + strings.Repeat("a", 200) + `@b.io","username":"x","password":"longenough"}`
	rec := doRequest(s, http.MethodPost, "/v1/auth/register", "", big)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: expected 400, got %d", rec.Code)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("KDS_TEST_STR", "value")
	t.Setenv("KDS_TEST_INT", "42")
	t.Setenv("KDS_TEST_BAD", "nope")
	if env("KDS_TEST_STR", "def") != "value" {
		t.Fatal("env set value not returned")
	}
	if env("KDS_TEST_MISSING", "def") != "def" {
		t.Fatal("env default not returned")
	}
	if envInt("KDS_TEST_INT", 1) != 42 {
		t.Fatal("envInt parse failed")
	}
	if envInt("KDS_TEST_BAD", 7) != 7 {
		t.Fatal("envInt must fall back on parse errors")
	}
	if envDurationSec("KDS_TEST_INT", 1) != 42*time.Second {
		t.Fatal("envDurationSec conversion failed")
	}
}

func TestIsProductionLikeEnv(t *testing.T) {
	for _, v := range []string{"prod", "Production", "staging", " stage "} {
		if !isProductionLikeEnv(v) {
			t.Fatalf("%q should be production-like", v)
		}
	}
	for _, v := range []string{"", "dev", "test", "local"} {
		if isProductionLikeEnv(v) {
			t.Fatalf("%q should not be production-like", v)
		}
	}
}
