// Package storagefiles is the storage collaborator of spec.md §6:
// open/unlink/close over relation files. The two-phase-commit core
// never touches bytes through it directly — it only deletes, on finish,
// every file named in a prepared transaction's commit or abort list
// (spec §4.3 step 9).
package storagefiles

import (
	"sync"

	"github.com/leengari/twophase/internal/relfile"
)

// Manager tracks which relfile.Node files are known to the storage
// layer and removes them on request. A real implementation unlinks
// actual files on disk per fork; this one is an in-memory registry
// (storage-file-unlink is explicitly a collaborator per spec.md §1, and
// the core's correctness only depends on Unlink being called with the
// right set of nodes and forks, not on a particular filesystem layout).
type Manager struct {
	mu      sync.Mutex
	present map[relfile.Node]map[relfile.ForkNumber]bool
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{present: make(map[relfile.Node]map[relfile.ForkNumber]bool)}
}

// Open registers node as present with the given forks, so later Unlink
// calls (and tests) can observe deletion.
func (m *Manager) Open(node relfile.Node, forks ...relfile.ForkNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(forks) == 0 {
		forks = relfile.AllForks
	}
	set := m.present[node]
	if set == nil {
		set = make(map[relfile.ForkNumber]bool)
		m.present[node] = set
	}
	for _, f := range forks {
		set[f] = true
	}
}

// Unlink removes every fork of node. Missing forks are not an error —
// an aborted transaction's files may never have been written past
// ForkMain.
func (m *Manager) Unlink(node relfile.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.present, node)
}

// Close is a no-op placeholder completing the open/unlink/close triad
// spec.md §6 names; nothing in this module's scope needs to distinguish
// "closed" from "unlinked" for an in-memory registry.
func (m *Manager) Close(node relfile.Node) {}

// Exists reports whether any fork of node is still registered, for
// tests asserting on finish_prepared's file-deletion behavior (spec §8
// S3/S4).
func (m *Manager) Exists(node relfile.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.present[node]
	return ok && len(set) > 0
}
