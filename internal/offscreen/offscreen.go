// Package offscreen supervises the singleton hidden worker page that absorbs
// RUN_HIDDEN_TASK work.
package offscreen

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wingbridge/wingbridge/internal/config"
	"github.com/wingbridge/wingbridge/internal/relay"
	"github.com/wingbridge/wingbridge/internal/tabs"
)

// TabKey is the relay identity the worker page registers under.
const TabKey = "offscreen"

const connectWait = 10 * time.Second

// Supervisor guarantees at most one worker page exists and that it is
// connected before any task is forwarded. The check-then-create runs under a
// mutex, so concurrent Ensure calls cannot race into two workers.
type Supervisor struct {
	cfg  *config.RuntimeConfig
	tabs tabs.Controller
	msgr relay.Messenger
	mu   sync.Mutex
}

func NewSupervisor(cfg *config.RuntimeConfig, tc tabs.Controller, m relay.Messenger) *Supervisor {
	return &Supervisor{cfg: cfg, tabs: tc, msgr: m}
}

func (s *Supervisor) workerURL() string {
	return "http://" + s.cfg.ListenAddr() + "/offscreen"
}

// Ensure is idempotent: a connected worker is a no-op, a dead one is
// replaced.
func (s *Supervisor) Ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.msgr.Connected(TabKey) {
		return nil
	}

	// The page may exist but not have connected yet (bridge restart).
	_, found, err := s.tabs.Find(ctx, s.workerURL())
	if err != nil {
		return fmt.Errorf("find worker page: %w", err)
	}
	if !found {
		if _, err := s.tabs.Create(ctx, s.workerURL(), false); err != nil {
			return fmt.Errorf("create worker page: %w", err)
		}
	}

	return s.awaitConnection(ctx)
}

func (s *Supervisor) awaitConnection(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.msgr.Connected(TabKey) {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("worker page never connected: %w", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Run delivers the payload to the worker. Delivery is the contract; the
// task's own completion is not awaited.
func (s *Supervisor) Run(ctx context.Context, payload json.RawMessage) error {
	if err := s.Ensure(ctx); err != nil {
		return err
	}
	return s.msgr.Notify(TabKey, payload)
}
