// Package router maps inbound typed messages to orchestration flows. Each
// message type has one handler; a handler returns exactly one Response on
// every path, so the reply-once contract holds by construction.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/store"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

// Message is the loose inbound envelope. Only type is mandatory; the rest are
// the ad-hoc top-level fields the individual flows read.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// SET_TOKEN
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`

	// OPEN_BG_TAB
	URL string `json:"url,omitempty"`

	// CALL_API
	Path    string            `json:"path,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	IsDev   bool              `json:"isDev,omitempty"`

	// Upload notifications
	ProductID         string `json:"productId,omitempty"`
	VendorInventoryID string `json:"vendorInventoryId,omitempty"`
	Status            any    `json:"status,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Response is the reply envelope. Flows shape it freely; StatusOK / Fail
// cover the common cases.
type Response map[string]any

func OK() Response {
	return Response{"ok": true}
}

func Fail(err error) Response {
	return Response{"ok": false, "error": err.Error()}
}

func failStr(msg string) Response {
	return Response{"ok": false, "error": msg}
}

// Request is one inbound message plus its provenance. SenderTabID is set
// only for messages arriving over the content-script relay.
type Request struct {
	Msg         Message
	SenderTabID string
}

// Doer is the HTTP client dependency of the API-proxy and image-fetch flows.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HiddenTaskRunner delegates work to the offscreen worker page.
type HiddenTaskRunner interface {
	Run(ctx context.Context, payload json.RawMessage) error
}

// Clock injection keeps token-expiry tests deterministic.
type Clock func() time.Time

type handlerFunc func(ctx context.Context, req *Request) Response

// Router dispatches messages against two permission tables: the external
// table for the origin-gated web-app channel, the internal table for content
// scripts and other bridge-owned contexts.
type Router struct {
	cfg    *config.RuntimeConfig
	store  store.Store
	tabs   tabs.Controller
	msgr   relay.Messenger
	hidden HiddenTaskRunner
	client Doer
	locks  *tabs.LockManager
	now    Clock

	external map[string]handlerFunc
	internal map[string]handlerFunc
}

func New(cfg *config.RuntimeConfig, st store.Store, tc tabs.Controller, m relay.Messenger, hidden HiddenTaskRunner, client Doer) *Router {
	r := &Router{
		cfg:    cfg,
		store:  st,
		tabs:   tc,
		msgr:   m,
		hidden: hidden,
		client: client,
		locks:  tabs.NewLockManager(),
		now:    time.Now,
	}

	r.external = map[string]handlerFunc{
		"EXT_READY":                   r.handleExtReady,
		"OPEN_BG_TAB":                 r.handleOpenBGTab,
		"SET_TOKEN":                   r.handleSetToken,
		"RM_TOKEN":                    r.handleRMToken,
		"RUN_HIDDEN_TASK":             r.handleRunHiddenTask,
		"CLOSE_SEARCH_TAB":            r.handleCloseSearchTab,
		"CLOSE_FORMV2_TAB":            r.handleCloseFormV2Tab,
		"CHECK_COUPANG_OPTION_PICKER": r.handleCheckOptionPicker,
		"WING_ATTRIBUTE_CHECK":        r.wingHandler("WING_ATTRIBUTE_CHECK"),
		"WING_OPTION_MODIFY":          r.wingHandler("WING_OPTION_MODIFY"),
		"WING_SEARCH":                 r.wingHandler("WING_SEARCH"),
		"WING_PRODUCT_ITEMS":          r.wingHandler("WING_PRODUCT_ITEMS"),
	}

	r.internal = map[string]handlerFunc{
		"GET_LATEST_PRODUCT_ID":      r.handleGetLatestProductID,
		"SET_LATEST_PRODUCT_ID":      r.handleSetLatestProductID,
		"CLEAR_LATEST_PRODUCT_ID":    r.handleClearLatestProductID,
		"FETCH_IMAGE_BLOBS":          r.handleFetchImageBlobs,
		"GET_COUPANG_PRODUCT_IMAGES": r.handleGetProductImages,
		"CALL_API":                   r.handleCallAPI,
		"PRODUCT_UPLOAD_SUCCESS":     r.handleUploadNotice,
		"PRODUCT_UPLOAD_ERROR":       r.handleUploadNotice,
	}

	return r
}

// DispatchExternal handles a message from the origin-gated channel. The
// origin check itself belongs to the gateway; unknown types answer
// unknown_type rather than leaving the caller hanging.
func (r *Router) DispatchExternal(ctx context.Context, req *Request) Response {
	return r.dispatch(ctx, r.external, req)
}

// DispatchInternal handles a message from a bridge-owned context.
func (r *Router) DispatchInternal(ctx context.Context, req *Request) Response {
	return r.dispatch(ctx, r.internal, req)
}

func (r *Router) dispatch(ctx context.Context, table map[string]handlerFunc, req *Request) (res Response) {
	h, ok := table[req.Msg.Type]
	if !ok {
		return failStr("unknown_type")
	}

	// A panicking flow must still produce a structured reply; the caller
	// would otherwise hang until its own timeout.
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("flow panic", "type", req.Msg.Type, "panic", rec)
			res = failStr(fmt.Sprintf("internal: %v", rec))
		}
	}()

	return h(ctx, req)
}

func (r *Router) handleExtReady(ctx context.Context, req *Request) Response {
	return OK()
}
