// Package procarray is the process-array collaborator of spec.md §6: a
// shared table other backends consult to decide whether a given XID is
// still running. The two-phase-commit core inserts a DummyProc into it
// for every valid GXact so the XID reads as "still running" even though
// no real backend holds it (spec §3: "dummy_proc").
//
// Guarded by its own mutex, distinct from gxact.Table's lock, matching
// spec §5's "Process-array insertion and removal use the existing
// process-array lock" — in this module that lock lives here, not in
// gxact, so the two collaborators stay decoupled the way the spec's
// component list (§2) treats them as separate systems.
package procarray

import (
	"sync"

	"github.com/leengari/twophase/internal/xid"
)

// DummyProc is the surrogate process-array entry a prepared transaction
// is represented by (spec glossary: "Dummy process").
type DummyProc struct {
	XID         xid.XID
	DatabaseOID uint32
	RoleOID     uint32
	Subxacts    []xid.XID
	BackendID   int32
}

// Array is the shared process table.
type Array struct {
	mu    sync.RWMutex
	procs map[xid.XID]*DummyProc
}

// New returns an empty process array.
func New() *Array {
	return &Array{procs: make(map[xid.XID]*DummyProc)}
}

// Add inserts proc, making its XID visible as running to every future
// observer (spec §5: "process_array_add after valid = true").
func (a *Array) Add(proc *DummyProc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.procs[proc.XID] = proc
}

// Remove deletes the entry for id. latestXID is accepted to mirror the
// collaborator contract remove(proc, latest_xid) (spec §4.3 step 7:
// "latest_xid = max(xid, children)"); a full process array would fold
// it into the running-xmin computation, which is out of scope here.
func (a *Array) Remove(id xid.XID, latestXID xid.XID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.procs, id)
}

// IsRunning reports whether id currently has an entry (real or dummy).
func (a *Array) IsRunning(id xid.XID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.procs[id]
	return ok
}

// Get returns the DummyProc for id, if any.
func (a *Array) Get(id xid.XID) (*DummyProc, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.procs[id]
	return p, ok
}

// Len reports how many entries (dummy or otherwise) are present.
func (a *Array) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.procs)
}
