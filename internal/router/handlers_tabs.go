package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/wingbridge/wingbridge/internal/assets"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (r *Router) handleOpenBGTab(ctx context.Context, req *Request) Response {
	if req.Msg.URL == "" {
		return failStr("url required")
	}
	if _, err := r.tabs.Create(ctx, req.Msg.URL, false); err != nil {
		return Fail(err)
	}
	return OK()
}

func (r *Router) handleRunHiddenTask(ctx context.Context, req *Request) Response {
	if len(req.Msg.Payload) == 0 {
		return failStr("payload required")
	}
	// Delivery only; the hidden task's own completion is not awaited.
	if err := r.hidden.Run(ctx, req.Msg.Payload); err != nil {
		return Fail(err)
	}
	return OK()
}

func (r *Router) handleCloseSearchTab(ctx context.Context, req *Request) Response {
	return r.closeMatching(ctx, r.cfg.SearchTabPrefix)
}

func (r *Router) handleCloseFormV2Tab(ctx context.Context, req *Request) Response {
	return r.closeMatching(ctx, r.cfg.FormV2TabPrefix)
}

func (r *Router) closeMatching(ctx context.Context, prefix string) Response {
	n, err := r.tabs.CloseMatching(ctx, prefix)
	if err != nil {
		return Fail(err)
	}
	return Response{"ok": true, "closed": n}
}

type coupangItemRef struct {
	ProductID    string `json:"productId"`
	ItemID       string `json:"itemId"`
	VendorItemID string `json:"vendorItemId"`
}

func (r *Router) coupangProductURL(ref coupangItemRef) string {
	return fmt.Sprintf("%s/vp/products/%s?itemId=%s&vendorItemId=%s",
		r.cfg.CoupangBaseURL,
		url.PathEscape(ref.ProductID),
		url.QueryEscape(ref.ItemID),
		url.QueryEscape(ref.VendorItemID),
	)
}

func (r *Router) handleCheckOptionPicker(ctx context.Context, req *Request) Response {
	return r.scrapeRoundTrip(ctx, req, "CHECK_OPTION_PICKER")
}

func (r *Router) handleGetProductImages(ctx context.Context, req *Request) Response {
	return r.scrapeRoundTrip(ctx, req, "EXTRACT_PRODUCT_IMAGES")
}

// scrapeRoundTrip opens a throwaway background tab at the product page, asks
// its content script one question, and closes the tab no matter how the
// extraction went.
func (r *Router) scrapeRoundTrip(ctx context.Context, req *Request, askType string) Response {
	var ref coupangItemRef
	if err := unmarshalPayload(req.Msg.Payload, &ref); err != nil {
		return Fail(err)
	}
	if ref.ProductID == "" {
		return failStr("productId required")
	}

	tab, err := r.tabs.Create(ctx, r.coupangProductURL(ref), false)
	if err != nil {
		return Fail(err)
	}
	defer r.tabs.Close(tab.ID)

	if err := r.tabs.WaitReady(ctx, tab.ID, r.cfg.NavigateTimeout); err != nil {
		return Fail(err)
	}

	// A fresh tab has no script talking to the bridge until the bootstrap
	// runs and its socket opens.
	bootstrap := assets.ContentBootstrap("ws://"+r.cfg.ListenAddr()+"/connect", tab.ID)
	if err := r.tabs.Inject(ctx, tab.ID, bootstrap); err != nil {
		slog.Debug("inject content script", "tabId", tab.ID, "err", err)
	}
	r.awaitConnected(ctx, tab.ID, r.cfg.HandshakeTimeout)

	ask, _ := json.Marshal(Message{Type: askType})
	inner, err := r.msgr.Send(ctx, tab.ID, ask, r.cfg.HandshakeTimeout)
	if err != nil {
		return Fail(err)
	}
	return passthrough(inner)
}

// awaitConnected waits for an injected script to open its socket, up to
// limit. Send reports not_connected on its own if the script never shows up,
// so failure here only costs the wait.
func (r *Router) awaitConnected(ctx context.Context, tabID string, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if r.msgr.Connected(tabID) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// passthrough returns the content script's reply as the flow response.
func passthrough(inner json.RawMessage) Response {
	var res Response
	if err := json.Unmarshal(inner, &res); err != nil {
		return failStr("bad content-script response")
	}
	if _, ok := res["ok"]; !ok {
		res["ok"] = true
	}
	return res
}

type wingPayload struct {
	TargetTabURL      string `json:"targetTabUrl,omitempty"`
	VendorInventoryID string `json:"vendorInventoryId,omitempty"`
}

func wingError(msg string) Response {
	return Response{"status": "error", "data": msg}
}

// wingHandler builds the shared-tab flow for one Wing message type. The tab
// is found or created, never closed here: the seller-portal session in it is
// deliberately reused across flows.
func (r *Router) wingHandler(msgType string) handlerFunc {
	return func(ctx context.Context, req *Request) Response {
		var p wingPayload
		if len(req.Msg.Payload) > 0 {
			if err := json.Unmarshal(req.Msg.Payload, &p); err != nil {
				return wingError(fmt.Sprintf("decode payload: %v", err))
			}
		}

		wantURL := p.TargetTabURL
		if wantURL == "" {
			wantURL = r.cfg.WingBaseURL
		}

		tab, found, err := r.tabs.Find(ctx, wantURL)
		if err != nil {
			return wingError(err.Error())
		}

		total := r.cfg.HandshakeTimeout
		if !found {
			tab, err = r.tabs.Create(ctx, wantURL, true)
			if err != nil {
				return wingError(err.Error())
			}
			// A fresh portal tab has a full page load ahead of it.
			total = r.cfg.PageFlowTimeout
		} else if err := r.tabs.Activate(ctx, tab.ID); err != nil {
			slog.Debug("activate wing tab", "tabId", tab.ID, "err", err)
		}

		owner := msgType + ":" + uuid.NewString()
		if err := r.locks.TryLock(tab.ID, owner, total+tabs.DefaultLockTTL); err != nil {
			return wingError(err.Error())
		}
		defer func() {
			if err := r.locks.Unlock(tab.ID, owner); err != nil {
				slog.Debug("unlock wing tab", "tabId", tab.ID, "err", err)
			}
		}()

		if err := r.tabs.WaitReady(ctx, tab.ID, total); err != nil {
			return wingError(err.Error())
		}

		// The content script may already be running from a previous flow;
		// injection failure is expected then.
		bootstrap := assets.ContentBootstrap("ws://"+r.cfg.ListenAddr()+"/connect", tab.ID)
		if err := r.tabs.Inject(ctx, tab.ID, bootstrap); err != nil {
			slog.Debug("inject content script", "tabId", tab.ID, "err", err)
		}
		r.awaitConnected(ctx, tab.ID, r.cfg.HandshakeTimeout)

		fwd, _ := json.Marshal(Message{Type: msgType, Payload: req.Msg.Payload})
		inner, err := relay.SendWithHandshake(ctx, r.msgr, tab.ID, fwd, total, r.cfg.PingRetryDelay)
		if err != nil {
			return wingError(err.Error())
		}

		var data any
		if err := json.Unmarshal(inner, &data); err != nil {
			data = string(inner)
		}
		return Response{"status": "success", "data": data}
	}
}
