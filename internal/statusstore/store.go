// Package statusstore persists the latest proxy status snapshot so that other
// processes (dashboards, sibling hosts) can read it.
package statusstore

import (
	"sync/atomic"

	"github.com/gaspardpetit/toolbarproxy/internal/proxy"
)

// Store defines how the status snapshot is persisted.
type Store interface {
	Load() proxy.Status
	Store(proxy.Status)
}

// memoryStore keeps the snapshot in process.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store holding the all-false status.
func NewMemoryStore() *memoryStore {
	ms := &memoryStore{}
	ms.v.Store(proxy.Status{})
	return ms
}

func (m *memoryStore) Load() proxy.Status {
	if st, ok := m.v.Load().(proxy.Status); ok {
		return st
	}
	return proxy.Status{}
}

func (m *memoryStore) Store(s proxy.Status) {
	m.v.Store(s)
}
