package backend

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/procarray"
)

func TestCleanupReleasesLockOnDisconnect(t *testing.T) {
	table := gxact.New(2)
	ref, err := table.Reserve(gxact.ReserveInput{XID: 10, GID: "gid-a", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 1})
	assert.NilError(t, err)
	table.MarkValid(ref, procarray.New())
	table.Unlock(ref) // post_prepare: the preparing backend lets go

	reg := New(table)
	id := NewID()
	reg.Track(id, ref)

	v := table.View(ref)
	assert.Equal(t, v.LockingBackend, gxact.InvalidBackendID)

	table.MutateLocked(ref, func(e *gxact.Entry) { e.LockingBackend = int32(id) })
	reg.Cleanup(id)

	v = table.View(ref)
	assert.Equal(t, v.LockingBackend, gxact.InvalidBackendID)
	assert.Assert(t, v.Valid) // still a live, valid entry — only the lock was cleared
}

// TestCleanupRecyclesAbandonedReservation covers the other arm of
// spec §4.4's cleanup branch: a backend that disconnects after Reserve
// but before mark_valid left nothing another backend could ever finish,
// so cleanup must reclaim the slot outright rather than merely unlock it.
func TestCleanupRecyclesAbandonedReservation(t *testing.T) {
	table := gxact.New(2)
	ref, err := table.Reserve(gxact.ReserveInput{XID: 10, GID: "gid-a", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 1})
	assert.NilError(t, err)

	reg := New(table)
	id := NewID()
	reg.Track(id, ref)

	reg.Cleanup(id)

	_, err = table.Find("gid-a")
	assert.Assert(t, err != nil)

	ref2, err := table.Reserve(gxact.ReserveInput{XID: 11, GID: "gid-b", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 1})
	assert.NilError(t, err)
	assert.Assert(t, ref2 != nil)
}

func TestUntrackPreventsCleanupFromTouchingReleasedLock(t *testing.T) {
	table := gxact.New(2)
	ref, err := table.Reserve(gxact.ReserveInput{XID: 10, GID: "gid-a", PreparedAt: time.Now(), Owner: 1, DatabaseOID: 1})
	assert.NilError(t, err)

	reg := New(table)
	id := NewID()
	reg.Track(id, ref)
	reg.Untrack(id)

	table.ReleaseAndRecycle(ref)
	reg.Cleanup(id) // must not touch the now-recycled slot
}

func TestNewIDsAreUnique(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Assert(t, a != b)
}
