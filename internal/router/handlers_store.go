package router

import (
	"context"
)

func (r *Router) handleSetToken(ctx context.Context, req *Request) Response {
	if req.Msg.Token == "" {
		return failStr("token required")
	}
	if err := r.store.SetToken(req.Msg.Token, req.Msg.ExpiresAt); err != nil {
		return Fail(err)
	}
	return OK()
}

func (r *Router) handleRMToken(ctx context.Context, req *Request) Response {
	if err := r.store.ClearToken(); err != nil {
		return Fail(err)
	}
	return OK()
}

func (r *Router) handleGetLatestProductID(ctx context.Context, req *Request) Response {
	id, found := r.store.LatestProductID()
	return Response{"ok": true, "productId": id, "found": found}
}

func (r *Router) handleSetLatestProductID(ctx context.Context, req *Request) Response {
	var payload struct {
		ProductID string `json:"productId"`
	}
	if err := unmarshalPayload(req.Msg.Payload, &payload); err != nil {
		return Fail(err)
	}
	if payload.ProductID == "" {
		return failStr("productId required")
	}
	if err := r.store.SetLatestProductID(payload.ProductID); err != nil {
		return Fail(err)
	}
	return OK()
}

func (r *Router) handleClearLatestProductID(ctx context.Context, req *Request) Response {
	if err := r.store.ClearLatestProductID(); err != nil {
		return Fail(err)
	}
	return OK()
}
