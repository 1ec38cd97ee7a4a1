package tabs

import (
	"fmt"
	"sync"
	"time"
)

// Shared marketplace tabs are reused across flows; an advisory lock keeps two
// flows from interleaving handshakes on the same tab.

const DefaultLockTTL = 1 * time.Minute

type lockEntry struct {
	owner   string
	expires time.Time
}

type LockManager struct {
	locks map[string]lockEntry
	mu    sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]lockEntry)}
}

// TryLock acquires the tab for owner, or extends the hold when the owner
// already has it. A live lock held by someone else is an error.
func (m *LockManager) TryLock(tabID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[tabID]
	if ok && time.Now().Before(l.expires) && l.owner != owner {
		return fmt.Errorf("tab %s is busy (held by %s)", tabID, l.owner)
	}

	m.locks[tabID] = lockEntry{owner: owner, expires: time.Now().Add(ttl)}
	return nil
}

func (m *LockManager) Unlock(tabID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[tabID]
	if !ok || time.Now().After(l.expires) {
		delete(m.locks, tabID)
		return nil
	}
	if l.owner != owner {
		return fmt.Errorf("cannot unlock: tab %s is held by %s", tabID, l.owner)
	}
	delete(m.locks, tabID)
	return nil
}
