package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// relayTimeout bounds the asynchronous notification work; it is independent
// of the sender's already-answered request.
const relayTimeout = 15 * time.Second

// handleUploadNotice relays PRODUCT_UPLOAD_SUCCESS / PRODUCT_UPLOAD_ERROR
// from the marketplace tab back to the admin page. The sender gets its reply
// first: closing the sender's tab would tear down the channel the reply
// travels on.
func (r *Router) handleUploadNotice(ctx context.Context, req *Request) Response {
	msg := req.Msg
	senderTab := req.SenderTabID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
		defer cancel()
		r.relayUploadNotice(ctx, senderTab, msg)
	}()

	return OK()
}

func (r *Router) relayUploadNotice(ctx context.Context, senderTab string, msg Message) {
	if senderTab != "" {
		r.tabs.Close(senderTab)
	}

	adminTab, ok := r.findAdminTab(ctx)
	if !ok {
		slog.Warn("no admin tab to notify", "type", msg.Type, "productId", msg.ProductID)
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal upload notice", "err", err)
		return
	}
	if err := r.msgr.Notify(adminTab, body); err != nil {
		slog.Warn("notify admin tab", "tabId", adminTab, "err", err)
		return
	}
	if err := r.tabs.Activate(ctx, adminTab); err != nil {
		slog.Debug("activate admin tab", "tabId", adminTab, "err", err)
	}
}

// findAdminTab locates an open web-app tab on an allowed origin under the
// admin path prefix.
func (r *Router) findAdminTab(ctx context.Context) (string, bool) {
	all, err := r.tabs.List(ctx)
	if err != nil {
		slog.Warn("list tabs for notify", "err", err)
		return "", false
	}
	for _, origin := range r.cfg.AllowedOrigins {
		prefix := origin + r.cfg.AdminPathPrefix
		for _, t := range all {
			if strings.HasPrefix(t.URL, prefix) {
				return t.ID, true
			}
		}
	}
	return "", false
}
