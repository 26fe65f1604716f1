package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/inspector"
	"github.com/wudi/schemahub/internal/orchestrator"
	"github.com/wudi/schemahub/internal/registry"
	"github.com/wudi/schemahub/internal/schema"
	"github.com/wudi/schemahub/internal/validation"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	helper := schema.NewHelper()
	svc := registry.NewService(registry.Options{
		Store:         registry.NewMemoryStore(0),
		Orchestrators: orchestrator.NewSet(nil, nil),
		Validator:     validation.New(inspector.New(), helper, nil),
		Helper:        helper,
	})

	srv, err := New(Options{Config: cfg, Registry: svc})
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	return srv
}

func publishBody(service, sdl string) *bytes.Buffer {
	body, _ := json.Marshal(map[string]interface{}{
		"organization": "acme",
		"project":      "shop",
		"target":       "production",
		"service":      service,
		"sdl":          sdl,
	})
	return bytes.NewBuffer(body)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	if body == nil {
		body = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	decoded := map[string]interface{}{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestServer_PublishAndFetch(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w, res := doJSON(t, h, http.MethodPost, "/api/v1/schema/publish", publishBody("users", `type Query { users: [String] }`))
	if w.Code != http.StatusOK {
		t.Fatalf("publish status = %d, body %s", w.Code, w.Body.String())
	}
	if res["valid"] != true {
		t.Fatalf("publish not valid: %v", res)
	}
	if res["versionId"] == "" || res["versionId"] == nil {
		t.Error("expected a version id in the response")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets/acme/shop/production/schema", nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("supergraph status = %d", w2.Code)
	}
	if ct := w2.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("supergraph Content-Type = %q", ct)
	}
	if !strings.Contains(w2.Body.String(), "users: [String]") {
		t.Errorf("supergraph missing field: %q", w2.Body.String())
	}

	w3, subs := doJSON(t, h, http.MethodGet, "/api/v1/targets/acme/shop/production/subgraphs", nil)
	if w3.Code != http.StatusOK || subs["count"] != float64(1) {
		t.Errorf("subgraphs = %d %v", w3.Code, subs)
	}

	w4, hist := doJSON(t, h, http.MethodGet, "/api/v1/targets/acme/shop/production/history", nil)
	if w4.Code != http.StatusOK || hist["count"] != float64(1) {
		t.Errorf("history = %d %v", w4.Code, hist)
	}
}

func TestServer_CheckDoesNotPersist(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w, res := doJSON(t, h, http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { users: [String] }`))
	if w.Code != http.StatusOK || res["valid"] != true {
		t.Fatalf("check = %d %v", w.Code, res)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets/acme/shop/production/schema", nil)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Code != http.StatusNotFound {
		t.Errorf("check persisted: status = %d", w2.Code)
	}
}

func TestServer_InvalidJSONBody(t *testing.T) {
	srv := newTestServer(t, nil)

	w, res := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/schema/check", bytes.NewBufferString("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if res["code"] != float64(http.StatusBadRequest) {
		t.Errorf("envelope code = %v", res["code"])
	}
	if res["request_id"] == "" || res["request_id"] == nil {
		t.Error("envelope missing request_id")
	}
}

func TestServer_MissingFields(t *testing.T) {
	srv := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]string{"organization": "acme", "project": "shop", "target": "production"})
	w, res := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/schema/publish", bytes.NewBuffer(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	details, _ := res["details"].(string)
	if !strings.Contains(details, "service is required") {
		t.Errorf("details = %q", details)
	}
}

func TestServer_UnknownTargetNotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	w, res := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/targets/acme/shop/production/schema", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if res["message"] != "Not Found" {
		t.Errorf("message = %v", res["message"])
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/schema/publish", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}

func TestServer_HistoryLimitValidation(t *testing.T) {
	srv := newTestServer(t, nil)

	w, _ := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/targets/acme/shop/production/history?limit=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
}

func TestServer_AuthRequired(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})
	h := srv.Handler()

	w, _ := doJSON(t, h, http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	token, err := srv.auth.GenerateToken(map[string]interface{}{"sub": "ci-bot"})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	req.Header.Set("Authorization", "Bearer "+token)
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("status with token = %d, body %s", w2.Code, w2.Body.String())
	}
}

func TestServer_AuthRejectsBadToken(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	req.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestServer_AuthRejectsExpiredToken(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})

	token, err := srv.auth.GenerateToken(map[string]interface{}{
		"sub": "ci-bot",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestServer_HealthzOpenWithAuth(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.Secret = "test-secret"
	})

	w, res := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if res["status"] != "ok" {
		t.Errorf("status = %v", res["status"])
	}
	checks, _ := res["checks"].(map[string]interface{})
	store, _ := checks["store"].(map[string]interface{})
	if store["status"] != "ok" {
		t.Errorf("store check = %v", checks["store"])
	}
}

func TestServer_RateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 1, Burst: 1}
	})
	h := srv.Handler()

	w1, _ := doJSON(t, h, http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	if w1.Code != http.StatusOK {
		t.Fatalf("first request = %d", w1.Code)
	}

	w2, res := doJSON(t, h, http.MethodPost, "/api/v1/schema/check", publishBody("users", `type Query { a: String }`))
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if res["code"] != float64(http.StatusTooManyRequests) {
		t.Errorf("envelope code = %v", res["code"])
	}
}

func TestServer_RequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q", got)
	}

	// Generated when absent.
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req2)
	if w2.Header().Get("X-Request-ID") == "" {
		t.Error("no request ID generated")
	}
}

func TestServer_BaseSchema(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	body, _ := json.Marshal(map[string]string{"sdl": "scalar DateTime"})
	w, res := doJSON(t, h, http.MethodPut, "/api/v1/targets/acme/shop/production/base-schema", bytes.NewBuffer(body))
	if w.Code != http.StatusOK || res["status"] != "ok" {
		t.Fatalf("put base schema = %d %v", w.Code, res)
	}

	broken, _ := json.Marshal(map[string]string{"sdl": "scalar"})
	w2, _ := doJSON(t, h, http.MethodPut, "/api/v1/targets/acme/shop/production/base-schema", bytes.NewBuffer(broken))
	if w2.Code != http.StatusBadRequest {
		t.Errorf("broken base schema = %d", w2.Code)
	}
}

func TestServer_PublishReportsBreaking(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	if w, _ := doJSON(t, h, http.MethodPost, "/api/v1/schema/publish", publishBody("users", `type Query { users: [String] me: String }`)); w.Code != http.StatusOK {
		t.Fatalf("first publish = %d", w.Code)
	}

	w, res := doJSON(t, h, http.MethodPost, "/api/v1/schema/publish", publishBody("users", `type Query { users: [String] }`))
	if w.Code != http.StatusOK {
		t.Fatalf("second publish = %d", w.Code)
	}
	if res["valid"] != false {
		t.Fatalf("breaking publish reported valid: %v", res)
	}
	errs, _ := res["errors"].([]interface{})
	if len(errs) == 0 {
		t.Fatal("no errors in response")
	}
	first, _ := errs[0].(map[string]interface{})
	msg, _ := first["message"].(string)
	if !strings.HasPrefix(msg, "Breaking Change: ") {
		t.Errorf("error message = %q", msg)
	}
}

func TestServer_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, nil)

	big := fmt.Sprintf(`{"organization":"acme","project":"shop","target":"production","service":"users","sdl":%q}`,
		strings.Repeat("x", maxBodyBytes+1))
	w, _ := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/schema/publish", bytes.NewBufferString(big))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d", w.Code)
	}
}
