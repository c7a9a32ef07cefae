// Package subxact is the subtransaction collaborator of spec.md §6:
// set_parent(subxid, parent). The recovery driver uses it to flatten
// every recovered child XID onto its top-level prepared transaction
// (spec §4.6: "all children flattened to the top xid — original
// hierarchy is not preserved").
package subxact

import (
	"sync"

	"github.com/leengari/twophase/internal/xid"
)

// Map records each subtransaction's parent.
type Map struct {
	mu      sync.RWMutex
	parents map[xid.XID]xid.XID
}

// New returns an empty subtransaction map.
func New() *Map {
	return &Map{parents: make(map[xid.XID]xid.XID)}
}

// SetParent records that sub's parent is parent.
func (m *Map) SetParent(sub, parent xid.XID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[sub] = parent
}

// ParentOf returns sub's recorded parent, if any.
func (m *Map) ParentOf(sub xid.XID) (xid.XID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parents[sub]
	return p, ok
}
