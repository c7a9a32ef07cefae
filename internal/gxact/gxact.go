// Package gxact implements the GXact Table of spec.md §4.2: a
// fixed-capacity shared slab of global-transaction descriptors with a
// freelist, a dense active index, and a single reader-writer lock
// protecting structural changes.
//
// The locking discipline — one sync.RWMutex guarding both bookkeeping
// and a per-entry owner field — follows the teacher's
// storage/manager/registry.go (a map guarded by sync.RWMutex) and
// domain/schema/table.go (explicit Lock/RLock wrappers plus a
// "-Unsafe" variant documented as requiring the caller already hold the
// lock). In gxact.Table every exported method takes the lock itself;
// the one helper that expects the lock to be held already is the
// unexported invalidateCacheLocked. MutateLocked is exported and runs
// its callback under the exclusive lock it acquires.
package gxact

import (
	"sync"
	"time"

	"github.com/leengari/twophase/internal/lsn"
	"github.com/leengari/twophase/internal/procarray"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/xid"
)

// InvalidBackendID is the sentinel for "no backend holds this entry
// locked" (spec §3: locking_backend).
const InvalidBackendID int32 = -1

// Entry is one Global Transaction Descriptor (spec.md §3).
//
// The teacher's C ancestor embeds its process descriptor at offset 0 so
// a GXact pointer doubles as a PGPROC pointer (spec.md §9's
// "Cyclic/self-referential descriptor" design note). We take the
// note's own recommendation: DummyProc is an explicit field, and
// procarray.Array is keyed by XID rather than by descriptor address.
type Entry struct {
	DummyProc             *procarray.DummyProc
	DummyBackendID        int32
	PreparedAt            time.Time
	PrepareBeginLSN       lsn.LSN
	PrepareLSN            lsn.LSN
	Owner                 uint32
	LockingBackend        int32
	Valid                 bool
	GID                   string
	AppendOnlyIntentCount int

	slot int // index into Table.slab, stable for the entry's lifetime
}

// XID is a convenience accessor pulling the XID out of the embedded
// dummy process, nil-safe for a freshly-popped freelist entry.
func (e *Entry) XID() xid.XID {
	if e.DummyProc == nil {
		return xid.InvalidXID
	}
	return e.DummyProc.XID
}

// Ref is an opaque, table-stable handle to an Entry, returned by
// Reserve/Find/LockForFinish so callers never hold a bare pointer past
// a RWMutex release without the table knowing about it.
type Ref struct {
	table *Table
	slot  int
}

// Data is a snapshot of one entry's observable fields, safe to read
// without holding any lock (spec §4.2 snapshot_all: "copy every
// descriptor's observable fields... into caller memory").
type Data struct {
	XID            xid.XID
	DatabaseOID    uint32
	GID            string
	PreparedAt     time.Time
	Owner          uint32
	Valid          bool
	LockingBackend int32
}

// Table is the fixed-capacity slab plus its freelist and active index.
type Table struct {
	mu sync.RWMutex

	slab       []Entry
	freeHead   []int // stack of free slot indices
	active     []int // dense active index; active[i] is a slot number
	slotActive []int // slot -> index into active, or -1 if not active

	databaseOID map[int]uint32 // slot -> database oid, payload field kept outside Entry to mirror spec's "owner"/"database" split

	lastXIDCache struct {
		xid  xid.XID
		slot int
		ok   bool
	}
}

// New allocates a Table with room for maxPrepared entries (spec §5:
// "max_prepared is a startup-fixed integer >= 0; 0 means the subsystem
// is disabled").
func New(maxPrepared int) *Table {
	t := &Table{
		slab:        make([]Entry, maxPrepared),
		freeHead:    make([]int, maxPrepared),
		slotActive:  make([]int, maxPrepared),
		databaseOID: make(map[int]uint32),
	}
	for i := 0; i < maxPrepared; i++ {
		t.slab[i].slot = i
		t.freeHead[i] = maxPrepared - 1 - i // pop from the end = slot 0 first, arbitrary but deterministic
		t.slotActive[i] = -1
	}
	return t
}

// Capacity returns max_prepared.
func (t *Table) Capacity() int { return len(t.slab) }

// ReserveInput carries what Reserve needs to populate a fresh entry.
type ReserveInput struct {
	XID         xid.XID
	GID         string
	PreparedAt  time.Time
	Owner       uint32
	DatabaseOID uint32
	CallerID    int32
}

// Reserve allocates a freelist slot for a new prepared-transaction
// reservation (spec §4.2 reserve). It does not touch the process array
// or the WAL; that happens later in the state machine once the backend
// has actually built a prepare payload.
func (t *Table) Reserve(in ReserveInput) (*Ref, error) {
	if t.Capacity() == 0 {
		return nil, twopcerrors.New(twopcerrors.KindObjectNotInPrerequisite, "prepared transactions are disabled (max_prepared=0)")
	}
	if len(in.GID) == 0 || len(in.GID) > 199 {
		return nil, twopcerrors.New(twopcerrors.KindInvalidParameter, "gid must be 1-199 bytes")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, slot := range t.active {
		if t.slab[slot].GID == in.GID {
			return nil, twopcerrors.New(twopcerrors.KindDuplicateObject, "a prepared transaction with gid %q already exists", in.GID)
		}
	}

	if len(t.freeHead) == 0 {
		return nil, twopcerrors.New(twopcerrors.KindOutOfMemory, "no free slots for a new prepared transaction").
			WithHint("increase max_prepared_transactions")
	}

	slot := t.freeHead[len(t.freeHead)-1]
	t.freeHead = t.freeHead[:len(t.freeHead)-1]

	e := &t.slab[slot]
	*e = Entry{
		DummyProc: &procarray.DummyProc{
			XID:         in.XID,
			DatabaseOID: in.DatabaseOID,
			RoleOID:     in.Owner,
		},
		DummyBackendID: int32(slot),
		PreparedAt:     in.PreparedAt,
		Owner:          in.Owner,
		LockingBackend: in.CallerID,
		Valid:          false,
		GID:            in.GID,
		slot:           slot,
	}
	t.databaseOID[slot] = in.DatabaseOID

	t.slotActive[slot] = len(t.active)
	t.active = append(t.active, slot)
	t.invalidateCacheLocked()

	return &Ref{table: t, slot: slot}, nil
}

// MarkValid flips an entry from RESERVED to PREPARED (spec §4.2
// mark_valid). Insertion into the process array happens here, after
// Valid is set, matching spec §5's ordering requirement.
func (t *Table) MarkValid(ref *Ref, procs ProcArrayAdder) {
	t.mu.Lock()
	e := &t.slab[ref.slot]
	e.Valid = true
	proc := e.DummyProc
	t.mu.Unlock()

	procs.Add(proc)
}

// ProcArrayAdder is the minimal slice of procarray.Array's API MarkValid
// needs, so gxact does not import procarray's mutation surface beyond
// what spec §4.2 names.
type ProcArrayAdder interface {
	Add(proc *procarray.DummyProc)
}

// LockForFinishInput carries the caller identity LockForFinish checks
// against the entry's owner (spec §4.2 lock_for_finish).
type LockForFinishInput struct {
	GID             string
	CallerRole      uint32
	CallerIsSuper   bool
	CallerDatabase  uint32
	CoordinatorMode bool
	CallerID        int32
}

// LockForFinish finds the valid entry for gid and locks it for the
// calling backend, enforcing ownership and (outside coordinator mode)
// same-database access (spec §4.2).
func (t *Table) LockForFinish(in LockForFinishInput) (*Ref, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, slot := range t.active {
		e := &t.slab[slot]
		if !e.Valid || e.GID != in.GID {
			continue
		}
		if e.LockingBackend != InvalidBackendID {
			return nil, twopcerrors.Busy(in.GID)
		}
		if in.CallerRole != e.Owner && !in.CallerIsSuper {
			return nil, twopcerrors.New(twopcerrors.KindInsufficientPrivilege, "caller is neither the owner of %q nor a superuser", in.GID)
		}
		if !in.CoordinatorMode && t.databaseOID[slot] != in.CallerDatabase {
			return nil, twopcerrors.New(twopcerrors.KindFeatureNotSupported, "cannot finish a prepared transaction from a different database outside coordinator mode")
		}
		e.LockingBackend = in.CallerID
		return &Ref{table: t, slot: slot}, nil
	}
	return nil, twopcerrors.New(twopcerrors.KindUndefinedObject, "no prepared transaction with gid %q", in.GID)
}

// Find locates an entry by GID ignoring Valid, for use only during the
// prepare window by the owning backend (spec §4.2 find).
func (t *Table) Find(gid string) (*Ref, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, slot := range t.active {
		if t.slab[slot].GID == gid {
			return &Ref{table: t, slot: slot}, nil
		}
	}
	return nil, twopcerrors.New(twopcerrors.KindUndefinedObject, "no reservation with gid %q", gid)
}

// ReleaseAndRecycle swap-removes ref's slot from the active array and
// pushes it back onto the freelist (spec §4.2 release_and_recycle). The
// caller must already have removed the DummyProc from the process array.
func (t *Table) ReleaseAndRecycle(ref *Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot := ref.slot
	idx := t.slotActive[slot]
	lastIdx := len(t.active) - 1
	lastSlot := t.active[lastIdx]

	t.active[idx] = lastSlot
	t.slotActive[lastSlot] = idx
	t.active = t.active[:lastIdx]
	t.slotActive[slot] = -1

	t.slab[slot] = Entry{slot: slot}
	delete(t.databaseOID, slot)
	t.freeHead = append(t.freeHead, slot)
	t.invalidateCacheLocked()
}

// Unlock clears locking_backend on ref's entry without recycling it
// (used by internal/backend's cleanup hook when the entry is valid, and
// by finish_prepared's retry path after a non-critical failure).
func (t *Table) Unlock(ref *Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slab[ref.slot].LockingBackend = InvalidBackendID
}

// SnapshotAll copies every active entry's observable fields (spec §4.2
// snapshot_all), filtering nothing — callers (internal/view) decide
// what subset of rows to show.
func (t *Table) SnapshotAll() []Data {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Data, 0, len(t.active))
	for _, slot := range t.active {
		e := &t.slab[slot]
		out = append(out, Data{
			XID:            e.XID(),
			DatabaseOID:    t.databaseOID[slot],
			GID:            e.GID,
			PreparedAt:     e.PreparedAt,
			Owner:          e.Owner,
			Valid:          e.Valid,
			LockingBackend: e.LockingBackend,
		})
	}
	return out
}

// DummyProcFor scans for the DummyProc belonging to id, memoising the
// last lookup per spec §4.2's "may memoise the last lookup per-caller"
// note. The cache is invalidated on every structural mutation
// (spec.md §9 design note).
func (t *Table) DummyProcFor(id xid.XID) (*procarray.DummyProc, bool) {
	t.mu.RLock()
	if t.lastXIDCache.ok && t.lastXIDCache.xid == id {
		proc := t.slab[t.lastXIDCache.slot].DummyProc
		t.mu.RUnlock()
		return proc, proc != nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, slot := range t.active {
		if t.slab[slot].XID() == id {
			t.lastXIDCache.xid = id
			t.lastXIDCache.slot = slot
			t.lastXIDCache.ok = true
			return t.slab[slot].DummyProc, true
		}
	}
	return nil, false
}

func (t *Table) invalidateCacheLocked() {
	t.lastXIDCache.ok = false
}

// View returns a copy of ref's entry, taken under the table's read lock
// (so the caller must not already hold the table lock) — e.g.
// internal/twophase reading back fields it just wrote while still
// holding LockingBackend. Snapshotting
// rather than returning *Entry keeps every external package off the
// raw slab memory, matching spec §5's "only the owning backend may read
// or mutate payload" by construction: nobody outside this package ever
// gets a live pointer.
func (t *Table) View(ref *Ref) Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slab[ref.slot]
}

// MutateLocked runs fn with exclusive access to ref's entry, for the
// multi-field updates internal/twophase needs to perform atomically
// (recording prepare_begin_lsn/prepare_lsn, setting valid=false on
// finish, etc.) per spec §4.3's ordering requirements. fn must not call
// back into Table.
func (t *Table) MutateLocked(ref *Ref, fn func(e *Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.slab[ref.slot])
}

// Occupancy reports how many slots are active and, of those, how many
// are valid (prepared), for the metrics collaborator.
func (t *Table) Occupancy() (active, valid int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	active = len(t.active)
	for _, slot := range t.active {
		if t.slab[slot].Valid {
			valid++
		}
	}
	return active, valid
}

// GID returns ref's GID without taking the table lock's write path.
func (t *Table) GID(ref *Ref) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slab[ref.slot].GID
}
