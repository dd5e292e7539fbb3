package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kolosalai/kolosal-gateway/internal/auth"
	"github.com/kolosalai/kolosal-gateway/internal/cors"
	"github.com/kolosalai/kolosal-gateway/internal/dispatch"
	"github.com/kolosalai/kolosal-gateway/internal/download"
	"github.com/kolosalai/kolosal-gateway/internal/engine"
	"github.com/kolosalai/kolosal-gateway/internal/engine/mockengine"
	"github.com/kolosalai/kolosal-gateway/internal/metrics"
	"github.com/kolosalai/kolosal-gateway/internal/model"
	"github.com/kolosalai/kolosal-gateway/internal/ratelimit"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

func newTestServer(t *testing.T, mw *auth.Middleware) (*Server, *engine.Registry) {
	t.Helper()
	reg := engine.NewRegistry(mockengine.New(mockengine.Config{Tokens: []string{"ok"}}), 0)
	if err := reg.Register("m1", "/models/m1.gguf", nil, 0); err != nil {
		t.Fatalf("seed Register() error = %v", err)
	}
	agg := metrics.New()
	return &Server{
		Registry:   reg,
		Metrics:    agg,
		Downloads:  download.NewManager(),
		Dispatcher: dispatch.New(reg, agg, nil, 30*time.Second),
		Admission:  mw,
		ModelsDir:  t.TempDir(),
	}, reg
}

func permissiveMiddleware() *auth.Middleware {
	corsMgr := cors.NewManager(cors.NewPolicy(true, []string{"*"}, []string{"*"}, []string{"*"}, false, 600))
	apiKey := auth.NewAPIKeyPolicy(false, false, "Authorization", nil)
	limiter := ratelimit.NewMemoryLimiter(false, 0, time.Minute)
	return auth.NewMiddleware(corsMgr, apiKey, limiter)
}

func serveServer(t *testing.T, s *Server) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, s.Handler()) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, permissiveMiddleware())
	client, cleanup := serveServer(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEngineLifecycle_CreateStatusRemove(t *testing.T) {
	s, _ := newTestServer(t, permissiveMiddleware())
	client, cleanup := serveServer(t, s)
	defer cleanup()

	createBody, _ := json.Marshal(model.EngineCreateRequest{
		ID:   "m2",
		Path: "/models/m2.gguf",
	})
	resp, err := client.Post("http://test/engines", "application/json", strings.NewReader(string(createBody)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d, want 201; body=%s", resp.StatusCode, data)
	}
	resp.Body.Close()

	resp, err = client.Get("http://test/engines/m2/status")
	if err != nil {
		t.Fatal(err)
	}
	var status model.EngineStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if status.ID != "m2" {
		t.Errorf("status.ID = %q, want m2", status.ID)
	}

	resp, err = client.Get("http://test/engines")
	if err != nil {
		t.Fatal(err)
	}
	var list model.EngineListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(list.Engines) != 2 {
		t.Fatalf("engines count = %d, want 2 (m1 seeded + m2)", len(list.Engines))
	}

	req, _ := http.NewRequest(http.MethodDelete, "http://test/engines/m2", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
}

func TestHandleCreateEngine_DuplicateConflict(t *testing.T) {
	s, reg := newTestServer(t, permissiveMiddleware())
	if err := reg.Register("dup", "/models/dup.gguf", nil, 0); err != nil {
		t.Fatalf("seed Register() error = %v", err)
	}
	client, cleanup := serveServer(t, s)
	defer cleanup()

	body, _ := json.Marshal(model.EngineCreateRequest{ID: "dup", Path: "/models/dup.gguf"})
	resp, err := client.Post("http://test/engines", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestHandleCombinedMetrics(t *testing.T) {
	s, _ := newTestServer(t, permissiveMiddleware())
	client, cleanup := serveServer(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out model.CombinedMetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAdmission_APIKeyRequired_Rejects(t *testing.T) {
	corsMgr := cors.NewManager(cors.NewPolicy(true, []string{"*"}, []string{"*"}, []string{"*"}, false, 600))
	apiKey := auth.NewAPIKeyPolicy(true, true, "Authorization", []string{"secret"})
	limiter := ratelimit.NewMemoryLimiter(false, 0, time.Minute)
	mw := auth.NewMiddleware(corsMgr, apiKey, limiter)

	s, _ := newTestServer(t, mw)
	client, cleanup := serveServer(t, s)
	defer cleanup()

	resp, err := client.Get("http://test/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdmission_RateLimitExceeded(t *testing.T) {
	corsMgr := cors.NewManager(cors.NewPolicy(true, []string{"*"}, []string{"*"}, []string{"*"}, false, 600))
	apiKey := auth.NewAPIKeyPolicy(false, false, "Authorization", nil)
	limiter := ratelimit.NewMemoryLimiter(true, 1, time.Minute)
	mw := auth.NewMiddleware(corsMgr, apiKey, limiter)

	s, _ := newTestServer(t, mw)
	client, cleanup := serveServer(t, s)
	defer cleanup()

	resp1, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp1.StatusCode)
	}

	resp2, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp2.StatusCode)
	}
}

func TestAdmission_PreflightShortCircuits(t *testing.T) {
	s, _ := newTestServer(t, permissiveMiddleware())
	client, cleanup := serveServer(t, s)
	defer cleanup()

	req, _ := http.NewRequest(http.MethodOptions, "http://test/models", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing Access-Control-Allow-Methods header on preflight response")
	}
}
