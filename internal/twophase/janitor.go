package twophase

import (
	"time"

	"github.com/leengari/twophase/internal/backend"
	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/xid"
)

// ReapStale is the supplemented prepared-transaction janitor
// (SPEC_FULL.md): a real coordinator cannot leave a reservation or a
// finish-lock held forever just because the owning backend vanished
// without running its cleanup hook — simulating a crashed backend a
// liveness heartbeat would otherwise detect. It is strictly additive to
// spec.md's state machine: disabled by default (Config.ReservationTTL
// == 0), and every reclaim it performs goes through the same
// ReleaseAndRecycle/Unlock calls the state machine itself uses, so it
// introduces no new way for an entry to leave the table.
//
// Two cases are reaped, each older than ReservationTTL:
//   - a reservation that never reached mark_valid (the owning backend
//     crashed before any WAL record became durable, so recycling it
//     loses nothing);
//   - a valid entry still locked for finishing (the backend that called
//     lock_for_finish vanished before completing finish_prepared's
//     critical section; unlocking it lets another backend retry).
func (s *Subsystem) ReapStale(now time.Time) []xid.XID {
	if s.cfg.ReservationTTL <= 0 {
		return nil
	}

	var reaped []xid.XID
	for _, d := range s.GXacts.SnapshotAll() {
		if now.Sub(d.PreparedAt) < s.cfg.ReservationTTL {
			continue
		}

		ref, err := s.GXacts.Find(d.GID)
		if err != nil {
			continue
		}

		switch {
		case !d.Valid:
			s.GXacts.ReleaseAndRecycle(ref)
			s.logger.Warn("janitor: reaped stale reservation", "xid", d.XID, "gid", d.GID)
			reaped = append(reaped, d.XID)
		case d.LockingBackend != gxact.InvalidBackendID:
			s.GXacts.Unlock(ref)
			s.Backends.Untrack(backend.ID(d.LockingBackend))
			s.logger.Warn("janitor: released stale finish-lock", "xid", d.XID, "gid", d.GID, "backend", d.LockingBackend)
			reaped = append(reaped, d.XID)
		}
	}
	s.observeOccupancy()
	return reaped
}
