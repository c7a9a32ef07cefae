// Package backend implements the Backend-Scoped Locking & Cleanup
// collaborator of spec.md §4.2/§9: each connected backend gets a stable
// small integer id and, if it holds a GXact locked for finishing when it
// disconnects or aborts, that lock must be released so the entry isn't
// stuck forever.
//
// Grounded on the teacher's network/server.go connection-handling loop,
// which already assigns each accepted net.Conn a sequence number and
// runs a deferred cleanup when the connection's goroutine returns; this
// package generalizes that single deferred close into a registrable
// hook list so more than one collaborator (here, just gxact) can clean
// up after a backend.
package backend

import (
	"sync"
	"sync/atomic"

	"github.com/leengari/twophase/internal/gxact"
)

// ID identifies one connected backend for the lifetime of its
// connection. gxact.InvalidBackendID (-1) is never issued.
type ID int32

var nextID int32

// NewID returns a fresh backend id, unique for the life of the process.
func NewID() ID {
	return ID(atomic.AddInt32(&nextID, 1))
}

// CleanupHook is called once, when a backend's connection ends, to
// release whatever that backend held locked.
type CleanupHook func(id ID)

// Registry holds the process-wide list of cleanup hooks and the active
// backend-id-to-locked-GXact-ref mapping for Cleanup.
type Registry struct {
	mu    sync.Mutex
	hooks []CleanupHook
	table *gxact.Table
	held  map[ID]*gxact.Ref
}

// New returns a Registry wired to table, registering the one cleanup
// hook spec.md §4.2 requires: unlocking any GXact the departing backend
// still held (spec §9: "the locking backend crashes or disconnects
// before finishing — lock must be released, not leaked").
func New(table *gxact.Table) *Registry {
	r := &Registry{table: table, held: make(map[ID]*gxact.Ref)}
	r.Register(r.releaseLocked)
	return r
}

// Register adds another cleanup hook, run in registration order on
// Cleanup. Intended to be called once per process at startup for each
// collaborator that needs a shutdown hook (spec §9's "registered once
// per process" note), not per connection.
func (r *Registry) Register(hook CleanupHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Track records that id currently holds ref locked for finishing, so
// Cleanup can find it if id's connection ends first.
func (r *Registry) Track(id ID, ref *gxact.Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[id] = ref
}

// Untrack clears id's tracked lock once it finishes normally (commit or
// rollback completed, or the lock was explicitly released).
func (r *Registry) Untrack(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}

// Cleanup runs every registered hook for id. Call this from the
// connection handler's defer, mirroring the teacher's per-connection
// deferred close.
func (r *Registry) Cleanup(id ID) {
	r.mu.Lock()
	hooks := make([]CleanupHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
}

// releaseLocked implements spec §4.4's three-way cleanup branch: nothing
// held is a no-op; an entry that never reached mark_valid is an
// abandoned reservation and gets recycled outright, since no other
// backend can ever see it in LIST or retry it; otherwise it's a valid
// entry this backend had locked for finishing, so just clear the lock.
func (r *Registry) releaseLocked(id ID) {
	r.mu.Lock()
	ref, ok := r.held[id]
	if ok {
		delete(r.held, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.table.View(ref).Valid {
		r.table.Unlock(ref)
	} else {
		r.table.ReleaseAndRecycle(ref)
	}
}
