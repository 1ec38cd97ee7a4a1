package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedMessenger answers Send calls from a queue of canned outcomes.
type scriptedMessenger struct {
	mu      sync.Mutex
	calls   []json.RawMessage
	script  []func(body json.RawMessage) (json.RawMessage, error)
	nothing bool // when script is exhausted: block until timeout if true
}

func (m *scriptedMessenger) Send(ctx context.Context, tabID string, body json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, body)
	var step func(json.RawMessage) (json.RawMessage, error)
	if len(m.script) > 0 {
		step = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if step != nil {
		return step(body)
	}
	if m.nothing {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, ErrNoResponse
		}
	}
	return nil, ErrNotConnected
}

func (m *scriptedMessenger) Notify(tabID string, body json.RawMessage) error { return nil }
func (m *scriptedMessenger) Connected(tabID string) bool                     { return true }

func (m *scriptedMessenger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func ackPing(body json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func failPing(body json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("could not establish connection")
}

func TestHandshakeFirstPingSucceeds(t *testing.T) {
	m := &scriptedMessenger{script: []func(json.RawMessage) (json.RawMessage, error){
		ackPing,
		func(body json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true,"items":[1,2]}`), nil
		},
	}}

	res, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{"type":"WING_SEARCH"}`), time.Second, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != `{"ok":true,"items":[1,2]}` {
		t.Fatalf("res = %s", res)
	}
	if m.callCount() != 2 {
		t.Fatalf("calls = %d, want 2 (ping + request)", m.callCount())
	}
	// The PING must have gone out before the real request.
	var first struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(m.calls[0], &first)
	if first.Type != "PING" {
		t.Fatalf("first message %s, want PING", m.calls[0])
	}
}

func TestHandshakeRetriesOnce(t *testing.T) {
	m := &scriptedMessenger{script: []func(json.RawMessage) (json.RawMessage, error){
		failPing,
		ackPing,
		func(body json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}}

	_, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{"type":"WING_ATTRIBUTE_CHECK"}`), time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if m.callCount() != 3 {
		t.Fatalf("calls = %d, want 3 (ping, ping, request)", m.callCount())
	}
}

func TestHandshakeBothPingsFail(t *testing.T) {
	m := &scriptedMessenger{script: []func(json.RawMessage) (json.RawMessage, error){
		failPing,
		failPing,
	}}

	_, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{"type":"WING_SEARCH"}`), time.Second, 5*time.Millisecond)
	if !errors.Is(err, ErrNoContentScript) {
		t.Fatalf("err = %v, want ErrNoContentScript", err)
	}
	// Exactly two ping attempts, never the real request.
	if m.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", m.callCount())
	}
}

func TestHandshakeUnackedPing(t *testing.T) {
	// A reply that is not {ok:true} is a failed handshake attempt.
	bad := func(body json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":false}`), nil
	}
	m := &scriptedMessenger{script: []func(json.RawMessage) (json.RawMessage, error){bad, bad}}

	_, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{}`), time.Second, time.Millisecond)
	if !errors.Is(err, ErrNoContentScript) {
		t.Fatalf("err = %v, want ErrNoContentScript", err)
	}
}

func TestHandshakeTotalTimeout(t *testing.T) {
	// Content script acks the ping but never answers the real request; the
	// total deadline must settle the flow with no_response.
	m := &scriptedMessenger{
		script:  []func(json.RawMessage) (json.RawMessage, error){ackPing},
		nothing: true,
	}

	start := time.Now()
	_, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{}`), 80*time.Millisecond, time.Millisecond)
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("err = %v, want ErrNoResponse", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("took %v, want ~80ms", elapsed)
	}
}

func TestHandshakeTransportErrorPassthrough(t *testing.T) {
	m := &scriptedMessenger{script: []func(json.RawMessage) (json.RawMessage, error){
		ackPing,
		func(body json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("tab crashed")
		},
	}}

	_, err := SendWithHandshake(context.Background(), m, "tab1", json.RawMessage(`{}`), time.Second, time.Millisecond)
	if err == nil || err.Error() != "tab crashed" {
		t.Fatalf("err = %v, want transport error verbatim", err)
	}
}
