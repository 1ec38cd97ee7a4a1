package offscreen

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

type fakeTabs struct {
	tabs.Controller

	mu      sync.Mutex
	open    []string
	existed bool
	onOpen  func()
}

func (f *fakeTabs) Find(ctx context.Context, wantURL string) (tabs.Tab, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existed {
		return tabs.Tab{ID: "worker", URL: wantURL}, true, nil
	}
	return tabs.Tab{}, false, nil
}

func (f *fakeTabs) Create(ctx context.Context, url string, active bool) (tabs.Tab, error) {
	f.mu.Lock()
	f.open = append(f.open, url)
	cb := f.onOpen
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return tabs.Tab{ID: "worker", URL: url}, nil
}

func (f *fakeTabs) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

type fakeMessenger struct {
	mu        sync.Mutex
	connected bool
	notified  []json.RawMessage
}

func (m *fakeMessenger) Send(ctx context.Context, tabID string, body json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (m *fakeMessenger) Notify(tabID string, body json.RawMessage) error {
	m.mu.Lock()
	m.notified = append(m.notified, body)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessenger) Connected(tabID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *fakeMessenger) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func testConfig() *config.RuntimeConfig {
	return &config.RuntimeConfig{Bind: "127.0.0.1", Port: "9876"}
}

func TestEnsureNoOpWhenConnected(t *testing.T) {
	ft := &fakeTabs{}
	fm := &fakeMessenger{connected: true}
	s := NewSupervisor(testConfig(), ft, fm)

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ft.created() != 0 {
		t.Fatalf("created %d worker pages, want 0", ft.created())
	}
}

func TestEnsureCreatesWorkerOnce(t *testing.T) {
	ft := &fakeTabs{}
	fm := &fakeMessenger{}
	// The worker page "connects" as soon as it is opened.
	ft.onOpen = func() { fm.setConnected(true) }
	s := NewSupervisor(testConfig(), ft, fm)

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ft.created() != 1 {
		t.Fatalf("created %d worker pages, want exactly 1", ft.created())
	}
}

func TestEnsureReusesExistingPage(t *testing.T) {
	ft := &fakeTabs{existed: true}
	fm := &fakeMessenger{}
	s := NewSupervisor(testConfig(), ft, fm)

	go func() {
		time.Sleep(50 * time.Millisecond)
		fm.setConnected(true)
	}()

	if err := s.Ensure(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ft.created() != 0 {
		t.Fatalf("created %d worker pages, want 0 (page already existed)", ft.created())
	}
}

func TestRunForwardsPayload(t *testing.T) {
	ft := &fakeTabs{}
	fm := &fakeMessenger{connected: true}
	s := NewSupervisor(testConfig(), ft, fm)

	payload := json.RawMessage(`{"task":"resize","imageUrl":"a.png"}`)
	if err := s.Run(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.notified) != 1 || string(fm.notified[0]) != string(payload) {
		t.Fatalf("notified = %v", fm.notified)
	}
}
