package orchestrator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/schemahub/internal/schema"
)

func testComposer(t *testing.T, opts ExternalOptions) *ExternalComposer {
	t.Helper()
	if opts.InitialInterval == 0 {
		opts.InitialInterval = time.Millisecond
	}
	c, err := NewExternalComposer(opts)
	if err != nil {
		t.Fatalf("NewExternalComposer error: %v", err)
	}
	return c
}

func TestExternalComposeSuccess(t *testing.T) {
	const secret = "composition-secret"

	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type": "success",
			"result": map[string]interface{}{
				"supergraph": "type Query { hello: String }",
			},
		})
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{})
	result, err := c.Compose(context.Background(), []schema.Object{
		{Service: "users", URL: "http://users.internal", Raw: "type Query { users: [String] }"},
	}, schema.ExternalComposition{Enabled: true, Endpoint: server.URL, Secret: secret})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if result.Supergraph != "type Query { hello: String }" {
		t.Errorf("supergraph = %q", result.Supergraph)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	// The signature must be the HMAC of the exact request body.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Errorf("signature = %q, want %q", gotSignature, want)
	}

	var subgraphs []map[string]string
	if err := json.Unmarshal(gotBody, &subgraphs); err != nil {
		t.Fatalf("unmarshal request body: %v", err)
	}
	if len(subgraphs) != 1 || subgraphs[0]["name"] != "users" || subgraphs[0]["sdl"] == "" {
		t.Errorf("unexpected request payload: %s", gotBody)
	}
}

func TestExternalComposeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type": "failure",
			"result": map[string]interface{}{
				"errors": []map[string]string{
					{"message": "field User.id is not resolvable", "source": "reviews"},
					{"message": "composition failed"},
				},
			},
		})
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{})
	result, err := c.Compose(context.Background(), nil, schema.ExternalComposition{Enabled: true, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("errors = %d, want 2: %v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Message != "[reviews] field User.id is not resolvable" {
		t.Errorf("first error = %q", result.Errors[0].Message)
	}
	if result.Errors[1].Message != "composition failed" {
		t.Errorf("second error = %q", result.Errors[1].Message)
	}
	if result.Supergraph != "" {
		t.Errorf("failure response should carry no supergraph, got %q", result.Supergraph)
	}
}

func TestExternalComposeRetriesServerError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":   "success",
			"result": map[string]interface{}{"supergraph": "type Query { ok: Boolean }"},
		})
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{MaxRetries: 2})
	result, err := c.Compose(context.Background(), nil, schema.ExternalComposition{Enabled: true, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Compose error: %v", err)
	}
	if result.Supergraph == "" {
		t.Error("expected supergraph after retry")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestExternalComposeClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{MaxRetries: 3})
	_, err := c.Compose(context.Background(), nil, schema.ExternalComposition{Enabled: true, Endpoint: server.URL})
	if err == nil {
		t.Fatal("expected fault for client error")
	}
	if !strings.Contains(err.Error(), "client error: status 400") {
		t.Errorf("error = %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestExternalComposeInvalidEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"type":"success"}`)
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{})
	_, err := c.Compose(context.Background(), nil, schema.ExternalComposition{Enabled: true, Endpoint: server.URL})
	if err == nil {
		t.Fatal("expected fault for a response missing its result")
	}
	if !strings.Contains(err.Error(), "contract validation") {
		t.Errorf("error = %v", err)
	}
}

func TestExternalComposeBreakerOpens(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := testComposer(t, ExternalOptions{MaxRetries: -1, BreakerThreshold: 1})
	cfg := schema.ExternalComposition{Enabled: true, Endpoint: server.URL}

	if _, err := c.Compose(context.Background(), nil, cfg); err == nil {
		t.Fatal("expected fault from failing service")
	}
	_, err := c.Compose(context.Background(), nil, cfg)
	if err == nil {
		t.Fatal("expected open breaker fault")
	}
	if !strings.Contains(err.Error(), "external composition unavailable") {
		t.Errorf("error = %v", err)
	}
}

func TestFederationDelegatesToExternal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":   "success",
			"result": map[string]interface{}{"supergraph": "type Query { remote: Boolean }"},
		})
	}))
	defer server.Close()

	f := NewFederation(testComposer(t, ExternalOptions{}))
	cfg := &schema.ExternalComposition{Enabled: true, Endpoint: server.URL}
	schemas := []schema.Object{testObject(t, "users", `type Query { users: [String] }`)}

	errs, err := f.Validate(context.Background(), schemas, cfg)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}

	built, err := f.Build(context.Background(), schemas, cfg)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if built == nil || built.Raw != "type Query { remote: Boolean }" {
		t.Errorf("built = %v, want the external supergraph", built)
	}
}
