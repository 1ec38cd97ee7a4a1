// Package gateway is the HTTP surface of the bridge: the external web-app
// message channel (origin allow-listed), the internal channel, the
// content-script WebSocket endpoint, and the operational routes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wingbridge/wingbridge/internal/assets"
	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/router"
	"github.com/wingbridge/wingbridge/internal/tabs"
	"github.com/wingbridge/wingbridge/internal/web"
)

const maxBodySize = 1 << 20

// Dispatcher is the router dependency, abstracted for handler tests.
type Dispatcher interface {
	DispatchExternal(ctx context.Context, req *router.Request) router.Response
	DispatchInternal(ctx context.Context, req *router.Request) router.Response
}

type Handlers struct {
	Cfg    *config.RuntimeConfig
	Router Dispatcher
	Hub    *relay.Hub
	Tabs   tabs.Controller
}

func New(cfg *config.RuntimeConfig, d Dispatcher, hub *relay.Hub, tc tabs.Controller) *Handlers {
	return &Handlers{Cfg: cfg, Router: d, Hub: hub, Tabs: tc}
}

func (h *Handlers) RegisterRoutes(mux *http.ServeMux, doShutdown func()) {
	mux.HandleFunc("POST /message", h.HandleExternalMessage)
	mux.HandleFunc("OPTIONS /message", h.HandlePreflight)
	mux.HandleFunc("POST /internal/message", h.withAuth(h.HandleInternalMessage))
	mux.HandleFunc("GET /connect", h.Hub.ServeWS)
	mux.HandleFunc("GET /offscreen", h.HandleOffscreen)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /metrics", h.HandleMetrics)

	if doShutdown != nil {
		mux.HandleFunc("POST /shutdown", h.withAuth(h.HandleShutdown(doShutdown)))
	}
}

// HandleExternalMessage is the security boundary: an origin missing from the
// allow-list gets forbidden and nothing else happens.
func (h *Handlers) HandleExternalMessage(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.Cfg.OriginAllowed(origin) {
		recordForbidden()
		web.JSON(w, 200, router.Response{"ok": false, "error": "forbidden"})
		return
	}
	h.allowOrigin(w, origin)

	var msg router.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		web.Error(w, 400, fmt.Errorf("decode: %w", err))
		return
	}

	res := h.Router.DispatchExternal(r.Context(), &router.Request{Msg: msg})
	web.JSON(w, 200, res)
}

func (h *Handlers) HandleInternalMessage(w http.ResponseWriter, r *http.Request) {
	var msg router.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&msg); err != nil {
		web.Error(w, 400, fmt.Errorf("decode: %w", err))
		return
	}

	res := h.Router.DispatchInternal(r.Context(), &router.Request{Msg: msg})
	web.JSON(w, 200, res)
}

// HandlePreflight answers CORS preflights for allowed origins only.
func (h *Handlers) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.Cfg.OriginAllowed(origin) {
		w.WriteHeader(403)
		return
	}
	h.allowOrigin(w, origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(204)
}

func (h *Handlers) allowOrigin(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
}

func (h *Handlers) HandleOffscreen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(assets.OffscreenHTML))
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	all, err := h.Tabs.List(r.Context())
	if err != nil {
		web.JSON(w, 200, map[string]any{"status": "disconnected", "error": err.Error(), "cdp": h.Cfg.CdpURL})
		return
	}
	web.JSON(w, 200, map[string]any{"status": "ok", "tabs": len(all), "cdp": h.Cfg.CdpURL})
}

func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, snapshotMetrics())
}

func (h *Handlers) HandleShutdown(doShutdown func()) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		web.JSON(w, 200, map[string]any{"ok": true, "status": "shutting_down"})
		go doShutdown()
	}
}
