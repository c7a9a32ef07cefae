// Package rmgr is the resource-manager collaborator of spec.md §6:
// three parallel callback tables keyed by RMID — recover, post-commit,
// post-abort — that the lock manager, notify, and invalidation
// subsystems (all explicitly out of scope per spec.md §1) would plug
// into on a real system. The core's job is only to call the right table
// at the right point in the state machine (spec §4.3 step 10, §4.6
// Recover); this package just holds the tables.
package rmgr

import "github.com/leengari/twophase/internal/xid"

// RMID identifies a resource manager.
type RMID uint8

const (
	RMIDLock RMID = iota + 1
	RMIDNotify
	RMIDInval
)

// RecoverFunc replays a sub-record during crash recovery to re-acquire
// whatever state it represents (spec §4.6 Recover).
type RecoverFunc func(id xid.XID, info uint16, data []byte) error

// CallbackFunc runs after a transaction commits or aborts (spec §4.3
// step 10).
type CallbackFunc func(id xid.XID, info uint16, data []byte, isCommit bool) error

// Registry holds the three parallel callback tables.
type Registry struct {
	recover    map[RMID]RecoverFunc
	postCommit map[RMID]CallbackFunc
	postAbort  map[RMID]CallbackFunc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		recover:    make(map[RMID]RecoverFunc),
		postCommit: make(map[RMID]CallbackFunc),
		postAbort:  make(map[RMID]CallbackFunc),
	}
}

// RegisterRecover installs the recovery callback for rmid.
func (r *Registry) RegisterRecover(rmid RMID, fn RecoverFunc) { r.recover[rmid] = fn }

// RegisterPostCommit installs the post-commit callback for rmid.
func (r *Registry) RegisterPostCommit(rmid RMID, fn CallbackFunc) { r.postCommit[rmid] = fn }

// RegisterPostAbort installs the post-abort callback for rmid.
func (r *Registry) RegisterPostAbort(rmid RMID, fn CallbackFunc) { r.postAbort[rmid] = fn }

// Recover invokes rmid's recovery callback, if any. An rmid with no
// registered callback is silently ignored — a real system always
// registers all rmids at startup; this module's tests only register the
// ones they exercise.
func (r *Registry) Recover(rmid RMID, id xid.XID, info uint16, data []byte) error {
	if fn, ok := r.recover[rmid]; ok {
		return fn(id, info, data)
	}
	return nil
}

// InvokePostCommit runs rmid's post-commit callback, if any.
func (r *Registry) InvokePostCommit(rmid RMID, id xid.XID, info uint16, data []byte) error {
	if fn, ok := r.postCommit[rmid]; ok {
		return fn(id, info, data, true)
	}
	return nil
}

// InvokePostAbort runs rmid's post-abort callback, if any.
func (r *Registry) InvokePostAbort(rmid RMID, id xid.XID, info uint16, data []byte) error {
	if fn, ok := r.postAbort[rmid]; ok {
		return fn(id, info, data, false)
	}
	return nil
}
