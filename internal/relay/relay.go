// Package relay carries messages between the bridge and the content scripts
// running inside marketplace tabs. Content scripts hold a WebSocket to the
// bridge; requests are correlated by id and each outstanding request settles
// exactly once, whichever of response, timeout, or disconnect arrives first.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Frame is the wire format on the content-script socket.
type Frame struct {
	ID   string          `json:"id,omitempty"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

const (
	// KindRequest asks the peer to handle Body and reply with the same ID.
	KindRequest = "req"
	// KindResponse answers a prior request.
	KindResponse = "res"
	// KindEvent is one-way, no reply expected.
	KindEvent = "event"
)

// Sentinel errors surfaced to flows. Their strings travel verbatim in
// responses, so they stay short and stable.
var (
	ErrNoResponse      = errors.New("no_response")
	ErrNoContentScript = errors.New("no_content_script")
	ErrNotConnected    = errors.New("not_connected")
)

// Messenger abstracts delivery to a tab's content script.
type Messenger interface {
	// Send delivers body as a request and blocks for the correlated reply.
	Send(ctx context.Context, tabID string, body json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	// Notify delivers body one-way.
	Notify(tabID string, body json.RawMessage) error
	Connected(tabID string) bool
}
