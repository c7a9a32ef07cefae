package gxact

import (
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/procarray"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/xid"
)

func reserve(t *testing.T, tbl *Table, gid string, id xid.XID) *Ref {
	t.Helper()
	ref, err := tbl.Reserve(ReserveInput{
		XID:         id,
		GID:         gid,
		PreparedAt:  time.Now(),
		Owner:       100,
		DatabaseOID: 1,
		CallerID:    1,
	})
	assert.NilError(t, err)
	return ref
}

// TestDuplicateGIDRejected covers scenario S1: reserving a GID already
// held by an active entry must fail with KindDuplicateObject, not
// silently overwrite the first reservation.
func TestDuplicateGIDRejected(t *testing.T) {
	tbl := New(4)
	reserve(t, tbl, "gid-a", 10)

	_, err := tbl.Reserve(ReserveInput{XID: 11, GID: "gid-a", PreparedAt: time.Now(), Owner: 100, DatabaseOID: 1})
	var perr *twopcerrors.Error
	assert.Assert(t, errorsAs(err, &perr))
	assert.Equal(t, perr.Kind, twopcerrors.KindDuplicateObject)
}

// TestExhaustionThenReleaseThenReserve covers scenario S2: the table
// refuses a reservation once the freelist is empty, but a slot becomes
// reusable after ReleaseAndRecycle.
func TestExhaustionThenReleaseThenReserve(t *testing.T) {
	tbl := New(2)
	reserve(t, tbl, "gid-a", 10)
	ref2 := reserve(t, tbl, "gid-b", 11)

	_, err := tbl.Reserve(ReserveInput{XID: 12, GID: "gid-c", PreparedAt: time.Now(), Owner: 100, DatabaseOID: 1})
	var perr *twopcerrors.Error
	assert.Assert(t, errorsAs(err, &perr))
	assert.Equal(t, perr.Kind, twopcerrors.KindOutOfMemory)

	tbl.ReleaseAndRecycle(ref2)
	ref3 := reserve(t, tbl, "gid-c", 12)
	assert.Equal(t, tbl.GID(ref3), "gid-c")
}

// TestActiveFreelistPartitionInvariant checks that every slot is in
// exactly one of the freelist or the active index, and the active index
// stays contiguous (spec.md §8 structural invariant).
func TestActiveFreelistPartitionInvariant(t *testing.T) {
	tbl := New(5)
	refs := make([]*Ref, 0, 5)
	for i := 0; i < 5; i++ {
		refs = append(refs, reserve(t, tbl, gidFor(i), xid.XID(100+i)))
	}
	assertPartition(t, tbl, 5)

	tbl.ReleaseAndRecycle(refs[1])
	tbl.ReleaseAndRecycle(refs[3])
	assertPartition(t, tbl, 5)

	reserve(t, tbl, "refill-a", 200)
	reserve(t, tbl, "refill-b", 201)
	assertPartition(t, tbl, 5)
}

func assertPartition(t *testing.T, tbl *Table, capacity int) {
	t.Helper()
	seen := make(map[int]bool, capacity)
	for _, slot := range tbl.active {
		assert.Assert(t, !seen[slot], "slot %d appears twice in active", slot)
		seen[slot] = true
		assert.Equal(t, tbl.slotActive[slot], indexOf(tbl.active, slot))
	}
	for _, slot := range tbl.freeHead {
		assert.Assert(t, !seen[slot], "slot %d is in both freelist and active", slot)
		seen[slot] = true
	}
	assert.Equal(t, len(seen), capacity)
}

func indexOf(s []int, v int) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func gidFor(i int) string {
	return "gid-" + string(rune('a'+i))
}

func TestMarkValidInsertsIntoProcessArray(t *testing.T) {
	tbl := New(2)
	ref := reserve(t, tbl, "gid-a", 10)

	procs := procarray.New()
	tbl.MarkValid(ref, procs)

	assert.Assert(t, procs.IsRunning(10))
	v := tbl.View(ref)
	assert.Assert(t, v.Valid)
}

func TestLockForFinishEnforcesOwnership(t *testing.T) {
	tbl := New(2)
	ref := reserve(t, tbl, "gid-a", 10)
	procs := procarray.New()
	tbl.MarkValid(ref, procs)
	tbl.Unlock(ref) // post_prepare: the preparing backend lets go

	_, err := tbl.LockForFinish(LockForFinishInput{
		GID:            "gid-a",
		CallerRole:     999,
		CallerIsSuper:  false,
		CallerDatabase: 1,
		CallerID:       2,
	})
	var perr *twopcerrors.Error
	assert.Assert(t, errorsAs(err, &perr))
	assert.Equal(t, perr.Kind, twopcerrors.KindInsufficientPrivilege)

	got, err := tbl.LockForFinish(LockForFinishInput{
		GID:            "gid-a",
		CallerRole:     100,
		CallerIsSuper:  false,
		CallerDatabase: 1,
		CallerID:       2,
	})
	assert.NilError(t, err)

	_, err = tbl.LockForFinish(LockForFinishInput{
		GID:            "gid-a",
		CallerRole:     100,
		CallerIsSuper:  false,
		CallerDatabase: 1,
		CallerID:       3,
	})
	assert.Assert(t, errorsAs(err, &perr))
	assert.Equal(t, perr.Kind, twopcerrors.KindObjectNotInPrerequisite)

	tbl.Unlock(got)
	v := tbl.View(got)
	assert.Equal(t, v.LockingBackend, InvalidBackendID)
}

// TestConcurrentReserveAndReleasePreservesPartition races many
// goroutines reserving distinct GIDs against goroutines releasing
// already-reserved ones, checking the active/freelist partition
// invariant still holds once everything settles (spec §5: the table's
// single RWMutex must serialize every structural mutation regardless of
// how many backends call concurrently).
func TestConcurrentReserveAndReleasePreservesPartition(t *testing.T) {
	const capacity = 64
	tbl := New(capacity)
	procs := procarray.New()

	refs := make(chan *Ref, capacity)
	var group errgroup.Group
	for i := 0; i < capacity; i++ {
		i := i
		group.Go(func() error {
			ref, err := tbl.Reserve(ReserveInput{
				XID:         xid.XID(1000 + i),
				GID:         fmt.Sprintf("concurrent-%d", i),
				PreparedAt:  time.Now(),
				Owner:       100,
				DatabaseOID: 1,
				CallerID:    int32(i),
			})
			if err != nil {
				return err
			}
			tbl.MarkValid(ref, procs)
			refs <- ref
			return nil
		})
	}
	assert.NilError(t, group.Wait())
	close(refs)

	var release errgroup.Group
	for ref := range refs {
		ref := ref
		release.Go(func() error {
			tbl.ReleaseAndRecycle(ref)
			return nil
		})
	}
	assert.NilError(t, release.Wait())

	assertPartition(t, tbl, capacity)
	active, valid := tbl.Occupancy()
	assert.Equal(t, active, 0)
	assert.Equal(t, valid, 0)
}

func errorsAs(err error, target **twopcerrors.Error) bool {
	perr, ok := err.(*twopcerrors.Error)
	if !ok {
		return false
	}
	*target = perr
	return true
}
