package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/router"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

type recordingDispatcher struct {
	external []router.Request
	internal []router.Request
	res      router.Response
}

func (d *recordingDispatcher) DispatchExternal(ctx context.Context, req *router.Request) router.Response {
	d.external = append(d.external, *req)
	return d.res
}

func (d *recordingDispatcher) DispatchInternal(ctx context.Context, req *router.Request) router.Response {
	d.internal = append(d.internal, *req)
	return d.res
}

type staticTabs struct{ tabs []tabs.Tab }

func (s *staticTabs) List(ctx context.Context) ([]tabs.Tab, error) { return s.tabs, nil }
func (s *staticTabs) Find(ctx context.Context, wantURL string) (tabs.Tab, bool, error) {
	return tabs.Tab{}, false, nil
}
func (s *staticTabs) Create(ctx context.Context, url string, active bool) (tabs.Tab, error) {
	return tabs.Tab{}, nil
}
func (s *staticTabs) WaitReady(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}
func (s *staticTabs) Activate(ctx context.Context, id string) error { return nil }
func (s *staticTabs) Close(id string)                               {}
func (s *staticTabs) CloseMatching(ctx context.Context, wantURL string) (int, error) {
	return 0, nil
}
func (s *staticTabs) Inject(ctx context.Context, id, src string) error { return nil }

func newTestHandlers(d Dispatcher) (*Handlers, *http.ServeMux) {
	cfg := &config.RuntimeConfig{
		Bind:           "127.0.0.1",
		Port:           "9876",
		Token:          "secret",
		AllowedOrigins: []string{"https://app.wingbridge.io", "http://localhost:3000"},
	}
	h := New(cfg, d, relay.NewHub(), &staticTabs{})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, func() {})
	return h, mux
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestExternalMessageAllowedOrigin(t *testing.T) {
	d := &recordingDispatcher{res: router.Response{"ok": true}}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{"type":"EXT_READY"}`))
	req.Header.Set("Origin", "https://app.wingbridge.io")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.wingbridge.io" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if len(d.external) != 1 || d.external[0].Msg.Type != "EXT_READY" {
		t.Fatalf("external = %+v", d.external)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

// An unlisted origin gets forbidden and the message never reaches the router.
func TestExternalMessageForbiddenOrigin(t *testing.T) {
	d := &recordingDispatcher{res: router.Response{"ok": true}}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{"type":"SET_TOKEN","token":"evil"}`))
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("code = %d, forbidden still answers 200 with a structured body", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["ok"] != false || body["error"] != "forbidden" {
		t.Fatalf("body = %v", body)
	}
	if len(d.external) != 0 {
		t.Fatalf("dispatched %d messages, want 0", len(d.external))
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("forbidden response must not carry CORS allow header, got %q", got)
	}
}

func TestExternalMessageMissingOrigin(t *testing.T) {
	d := &recordingDispatcher{}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{"type":"EXT_READY"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if body := decodeBody(t, rec); body["error"] != "forbidden" {
		t.Fatalf("body = %v", body)
	}
}

func TestExternalMessageBadJSON(t *testing.T) {
	d := &recordingDispatcher{}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{`))
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Fatalf("code = %d", rec.Code)
	}
	if len(d.external) != 0 {
		t.Fatal("malformed body must not dispatch")
	}
}

func TestPreflight(t *testing.T) {
	_, mux := newTestHandlers(&recordingDispatcher{})

	req := httptest.NewRequest("OPTIONS", "/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != 204 {
		t.Fatalf("code = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Fatalf("Allow-Methods = %q", got)
	}

	req = httptest.NewRequest("OPTIONS", "/message", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Fatalf("code = %d for unlisted origin", rec.Code)
	}
}

func TestInternalMessageAuth(t *testing.T) {
	d := &recordingDispatcher{res: router.Response{"ok": true}}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/internal/message", strings.NewReader(`{"type":"CALL_API","path":"/x"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("code = %d without token", rec.Code)
	}
	if len(d.internal) != 0 {
		t.Fatal("unauthorized request must not dispatch")
	}

	req = httptest.NewRequest("POST", "/internal/message", strings.NewReader(`{"type":"CALL_API","path":"/x"}`))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("code = %d with token", rec.Code)
	}
	if len(d.internal) != 1 || d.internal[0].Msg.Path != "/x" {
		t.Fatalf("internal = %+v", d.internal)
	}
}

func TestHealth(t *testing.T) {
	d := &recordingDispatcher{}
	cfg := &config.RuntimeConfig{AllowedOrigins: []string{"https://app.wingbridge.io"}}
	h := New(cfg, d, relay.NewHub(), &staticTabs{tabs: []tabs.Tab{{ID: "a"}, {ID: "b"}}})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["tabs"] != float64(2) {
		t.Fatalf("body = %v", body)
	}
}

func TestMetricsCountsForbidden(t *testing.T) {
	d := &recordingDispatcher{}
	_, mux := newTestHandlers(d)

	req := httptest.NewRequest("POST", "/message", strings.NewReader(`{"type":"EXT_READY"}`))
	req.Header.Set("Origin", "https://evil.example")
	mux.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := decodeBody(t, rec)
	if body["forbidden"] == float64(0) {
		t.Fatalf("forbidden = %v, want > 0", body["forbidden"])
	}
}

func TestOffscreenPage(t *testing.T) {
	_, mux := newTestHandlers(&recordingDispatcher{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/offscreen", nil))
	if rec.Code != 200 {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<html") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
