package twophase

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/gxact"
)

func newTestSubsystemWithTTL(t *testing.T, maxPrepared int, ttl time.Duration) (*Subsystem, func()) {
	t.Helper()
	s, cleanup := newTestSubsystem(t, maxPrepared)
	s.cfg.ReservationTTL = ttl
	return s, cleanup
}

// TestReapStaleDisabledByDefault asserts the janitor is a strict no-op
// unless an operator opts in via Config.ReservationTTL.
func TestReapStaleDisabledByDefault(t *testing.T) {
	s, cleanup := newTestSubsystem(t, 2)
	defer cleanup()

	caller := CallerInfo{BackendID: 1, Role: 10, DatabaseOID: 1}
	mustPrepare(t, s, "tx-A", caller)

	reaped := s.ReapStale(time.Now().Add(24 * time.Hour))
	assert.Equal(t, len(reaped), 0)

	_, err := s.GXacts.Find("tx-A")
	assert.NilError(t, err)
}

// TestReapStaleUnlocksAbandonedFinishLock covers the janitor's second
// case: a backend that called lock_for_finish and never returned.
func TestReapStaleUnlocksAbandonedFinishLock(t *testing.T) {
	s, cleanup := newTestSubsystemWithTTL(t, 2, time.Minute)
	defer cleanup()

	owner := CallerInfo{BackendID: 1, Role: 10, DatabaseOID: 1}
	mustPrepare(t, s, "tx-A", owner)

	ref, err := s.GXacts.LockForFinish(gxact.LockForFinishInput{
		GID: "tx-A", CallerRole: 10, CallerDatabase: 1, CallerID: 2,
	})
	assert.NilError(t, err)
	s.Backends.Track(2, ref)

	reaped := s.ReapStale(time.Now().Add(2 * time.Hour))
	assert.Equal(t, len(reaped), 1)

	v, err := s.GXacts.Find("tx-A")
	assert.NilError(t, err)
	entry := s.GXacts.View(v)
	assert.Equal(t, entry.LockingBackend, gxact.InvalidBackendID)

	ok, err := s.FinishPrepared(context.Background(), FinishInput{GID: "tx-A", IsCommit: true, Caller: owner})
	assert.NilError(t, err)
	assert.Assert(t, ok)
}

// TestReapStaleRecyclesAbandonedReservation covers the janitor's first
// case: a reservation that never reached mark_valid.
func TestReapStaleRecyclesAbandonedReservation(t *testing.T) {
	s, cleanup := newTestSubsystemWithTTL(t, 1, time.Minute)
	defer cleanup()

	_, err := s.GXacts.Reserve(gxact.ReserveInput{
		XID: 999, GID: "tx-stuck", PreparedAt: time.Now().Add(-2 * time.Hour), Owner: 10, DatabaseOID: 1, CallerID: 1,
	})
	assert.NilError(t, err)

	reaped := s.ReapStale(time.Now())
	assert.Equal(t, len(reaped), 1)

	_, err = s.GXacts.Find("tx-stuck")
	assert.Assert(t, err != nil)

	caller := CallerInfo{BackendID: 1, Role: 10, DatabaseOID: 1}
	mustPrepare(t, s, "tx-fresh", caller)
}
