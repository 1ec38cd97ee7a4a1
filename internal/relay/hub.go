package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// frameConn is one registered content-script connection. The WebSocket glue
// in ws.go provides the production implementation; tests register fakes.
type frameConn interface {
	WriteFrame(f Frame) error
	Close() error
}

// InboundHandler processes a message a content script initiated (as opposed
// to a reply). It returns the response body to write back.
type InboundHandler func(ctx context.Context, senderTabID string, body json.RawMessage) json.RawMessage

// Hub tracks connected content scripts and correlates request/response
// frames across them.
type Hub struct {
	OnInbound InboundHandler

	mu       sync.Mutex
	conns    map[string]frameConn
	pendings map[string]*pending
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[string]frameConn),
		pendings: make(map[string]*pending),
	}
}

// Register attaches a connection for tabID, displacing any previous one.
func (h *Hub) Register(tabID string, c frameConn) {
	h.mu.Lock()
	old := h.conns[tabID]
	h.conns[tabID] = c
	h.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	slog.Info("content script connected", "tabId", tabID)
}

// Unregister drops the connection if it is still the current one. Requests
// already in flight on it resolve through their own timeouts.
func (h *Hub) Unregister(tabID string, c frameConn) {
	h.mu.Lock()
	if h.conns[tabID] == c {
		delete(h.conns, tabID)
	}
	h.mu.Unlock()
	slog.Info("content script disconnected", "tabId", tabID)
}

func (h *Hub) Connected(tabID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[tabID] != nil
}

func (h *Hub) Send(ctx context.Context, tabID string, body json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	conn := h.conns[tabID]
	h.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	p := newPending()

	h.mu.Lock()
	h.pendings[id] = p
	h.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		h.finish(id, nil, ErrNoResponse)
	})
	defer timer.Stop()
	defer h.drop(id)

	if err := conn.WriteFrame(Frame{ID: id, Kind: KindRequest, Body: body}); err != nil {
		h.finish(id, nil, fmt.Errorf("send to tab %s: %w", tabID, err))
	}

	select {
	case o := <-p.wait():
		return o.body, o.err
	case <-ctx.Done():
		h.finish(id, nil, ctx.Err())
		o := <-p.wait()
		return o.body, o.err
	}
}

func (h *Hub) Notify(tabID string, body json.RawMessage) error {
	h.mu.Lock()
	conn := h.conns[tabID]
	h.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(Frame{Kind: KindEvent, Body: body})
}

// finish settles the pending request for id, if any and not already settled.
func (h *Hub) finish(id string, body json.RawMessage, err error) {
	h.mu.Lock()
	p := h.pendings[id]
	h.mu.Unlock()
	if p != nil {
		p.settle(body, err)
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	delete(h.pendings, id)
	h.mu.Unlock()
}

// HandleFrame processes one inbound frame from the connection serving tabID.
// Responses settle their pending request synchronously; requests and events
// are handed to OnInbound on their own goroutine and, for requests, answered
// on the same connection.
func (h *Hub) HandleFrame(ctx context.Context, tabID string, c frameConn, f Frame) {
	switch f.Kind {
	case KindResponse:
		h.finish(f.ID, f.Body, nil)

	case KindRequest:
		if h.OnInbound == nil {
			return
		}
		// Off the read loop: a slow flow must not stall delivery of response
		// frames arriving on the same connection.
		go func() {
			res := h.OnInbound(ctx, tabID, f.Body)
			if err := c.WriteFrame(Frame{ID: f.ID, Kind: KindResponse, Body: res}); err != nil {
				slog.Warn("write response to content script", "tabId", tabID, "err", err)
			}
		}()

	case KindEvent:
		if h.OnInbound != nil {
			go h.OnInbound(ctx, tabID, f.Body)
		}

	default:
		slog.Debug("unknown frame kind", "tabId", tabID, "kind", f.Kind)
	}
}
