package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// A loaded tab does not guarantee a listening content script. The handshake
// pings first and forwards the real request only after an ack: PING, one
// retry after retryDelay, then give up. The total deadline bounds the whole
// exchange including the forwarded request.

var pingBody = json.RawMessage(`{"type":"PING"}`)

// pingAttemptTimeout bounds a single PING round trip; a script that is
// present acks immediately, so this stays short.
const pingAttemptTimeout = 2 * time.Second

type pingAck struct {
	OK bool `json:"ok"`
}

// SendWithHandshake runs the two-phase protocol against tabID and returns the
// content script's reply to body.
//
// Errors: ErrNoContentScript when both pings fail, ErrNoResponse when the
// total deadline elapses, transport errors verbatim.
func SendWithHandshake(ctx context.Context, m Messenger, tabID string, body json.RawMessage, total, retryDelay time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(total)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := ping(ctx, m, tabID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoResponse
		}
		select {
		case <-ctx.Done():
			return nil, ErrNoResponse
		case <-time.After(retryDelay):
		}
		if err := ping(ctx, m, tabID); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil, ErrNoResponse
			}
			return nil, ErrNoContentScript
		}
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ErrNoResponse
	}
	res, err := m.Send(ctx, tabID, body, remaining)
	if err != nil {
		if errors.Is(err, ErrNoResponse) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrNoResponse
		}
		return nil, err
	}
	return res, nil
}

func ping(ctx context.Context, m Messenger, tabID string) error {
	res, err := m.Send(ctx, tabID, pingBody, pingAttemptTimeout)
	if err != nil {
		return err
	}
	var ack pingAck
	if err := json.Unmarshal(res, &ack); err != nil || !ack.OK {
		return errors.New("ping not acknowledged")
	}
	return nil
}
