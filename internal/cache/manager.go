package cache

import (
	"fmt"
	"strings"
	"time"

	"tpsl_engine/internal/core"
)

// Manager routes reads to the per-account caches and fans out mode changes.
type Manager struct {
	caches map[core.Account]*AccountCache
	order  []core.Account
}

// NewManager builds a manager over the given caches. Order is preserved for
// deterministic iteration.
func NewManager(caches ...*AccountCache) *Manager {
	m := &Manager{caches: make(map[core.Account]*AccountCache)}
	for _, c := range caches {
		if _, ok := m.caches[c.Account()]; ok {
			continue
		}
		m.caches[c.Account()] = c
		m.order = append(m.order, c.Account())
	}
	return m
}

// For returns the cache for the account, nil if the account is not
// configured (mirror trading disabled).
func (m *Manager) For(account core.Account) *AccountCache {
	return m.caches[account]
}

// Accounts lists the configured accounts in registration order.
func (m *Manager) Accounts() []core.Account {
	return append([]core.Account(nil), m.order...)
}

// SetExecutionMode toggles the shortened TTL for the acting account only.
func (m *Manager) SetExecutionMode(account core.Account, on bool) {
	if c := m.caches[account]; c != nil {
		c.SetExecutionMode(on)
	}
}

// SetUnderLoad toggles the extended TTL on every account.
func (m *Manager) SetUnderLoad(on bool) {
	for _, acct := range m.order {
		m.caches[acct].SetUnderLoad(on)
	}
}

// HealthCheck returns a check that fails when any account's snapshot is
// older than maxAge. An account that never refreshed is considered healthy;
// the first monitor pass populates it.
func (m *Manager) HealthCheck(maxAge time.Duration) func() error {
	return func() error {
		var stale []string
		for _, acct := range m.order {
			last := m.caches[acct].LastRefresh()
			if last.IsZero() {
				continue
			}
			if age := time.Since(last); age > maxAge {
				stale = append(stale, fmt.Sprintf("%s snapshot is %s old", acct, age.Round(time.Second)))
			}
		}
		if len(stale) > 0 {
			return fmt.Errorf("%s", strings.Join(stale, "; "))
		}
		return nil
	}
}
