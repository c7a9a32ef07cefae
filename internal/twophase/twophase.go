// Package twophase implements the Prepare/Finish state machine of
// spec.md §4.3: the orchestration layer that turns PREPARE TRANSACTION,
// COMMIT PREPARED, and ROLLBACK PREPARED into the ordered sequence of
// WAL writes and collaborator calls the rest of this module's packages
// provide primitives for.
//
// Grounded on the teacher's storage/manager/wal_manager.go, which plays
// the same role for its own WAL: a single struct wiring together the
// table, the log, and the recovery bookkeeping, exposing one method per
// user-facing operation.
package twophase

import (
	"context"
	"log/slog"
	"time"

	"github.com/leengari/twophase/internal/backend"
	"github.com/leengari/twophase/internal/checkpoint"
	"github.com/leengari/twophase/internal/clog"
	"github.com/leengari/twophase/internal/distxact"
	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/metrics"
	"github.com/leengari/twophase/internal/procarray"
	"github.com/leengari/twophase/internal/relfile"
	"github.com/leengari/twophase/internal/rmgr"
	"github.com/leengari/twophase/internal/storagefiles"
	"github.com/leengari/twophase/internal/subxact"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/walio"
	"github.com/leengari/twophase/internal/walrecord"
	"github.com/leengari/twophase/internal/xid"
)

// Subsystem wires every collaborator into the one handle a connection
// layer needs (spec.md §9's "explicit TwoPhaseSubsystem handle
// constructed at start, passed by reference, and owning both the slab
// and the map" design note — resolving the source's process-wide mutable
// singletons into an owned struct instead).
type Subsystem struct {
	cfg Config

	GXacts      *gxact.Table
	WAL         *walio.Log
	Checkpoints *checkpoint.Index
	ProcArray   *procarray.Array
	Clog        *clog.Log
	Storage     *storagefiles.Manager
	Subxacts    *subxact.Map
	RMGR        *rmgr.Registry
	Distxact    distxact.Cracker
	Backends    *backend.Registry
	XIDs        *xid.Generator
	Metrics     *metrics.Registry

	logger *slog.Logger

	// injectPanicAfterFlush exists solely for crash-recovery tests (spec
	// §4.3 step 6: "optional injected panic (for crash-recovery tests)").
	injectPanicAfterFlush bool
}

// New constructs a Subsystem. wal must already be open; callers own its
// lifecycle.
func New(cfg Config, wal *walio.Log, m *metrics.Registry, logger *slog.Logger) *Subsystem {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subsystem{
		cfg:         cfg,
		GXacts:      gxact.New(cfg.MaxPrepared),
		WAL:         wal,
		Checkpoints: checkpoint.New(),
		ProcArray:   procarray.New(),
		Clog:        clog.New(),
		Storage:     storagefiles.New(),
		Subxacts:    subxact.New(),
		RMGR:        rmgr.New(),
		Distxact:    distxact.DefaultCracker{},
		XIDs:        xid.NewGenerator(),
		Metrics:     m,
		logger:      logger,
	}
	s.Backends = backend.New(s.GXacts)
	return s
}

// InjectPanicAfterFlush arranges for the next EndPrepare to panic
// immediately after its WAL flush step, before mark_valid runs — used
// only by tests exercising scenario S5 (spec §8).
func (s *Subsystem) InjectPanicAfterFlush(on bool) {
	s.injectPanicAfterFlush = on
}

func (s *Subsystem) observeOccupancy() {
	if s.Metrics == nil {
		return
	}
	active, valid := s.GXacts.Occupancy()
	s.Metrics.ObserveOccupancy(s.GXacts.Capacity(), active, valid)
}

// CallerInfo identifies the backend driving an operation, for ownership
// and cross-database checks (spec §4.2 lock_for_finish, §7
// insufficient-privilege/feature-not-supported).
type CallerInfo struct {
	BackendID   backend.ID
	Role        uint32
	IsSuperuser bool
	DatabaseOID uint32
}

// PrepareInput carries everything PrepareTransaction needs to reserve a
// slot and assemble its WAL record.
type PrepareInput struct {
	GID         string
	Caller      CallerInfo
	Subxacts    []xid.XID
	CommitRels  []relfile.Node
	AbortRels   []relfile.Node
	RMRecords   []walrecord.RMRecord
}

// PrepareTransaction runs reserve, assembles the prepare payload, runs
// end_prepare's ten ordered steps (spec §4.3), then post_prepare, which
// leaves the entry prepared and unlocked, and returns the freshly
// assigned XID.
func (s *Subsystem) PrepareTransaction(ctx context.Context, in PrepareInput) (xid.XID, error) {
	id := s.XIDs.Next()
	now := time.Now()

	ref, err := s.GXacts.Reserve(gxact.ReserveInput{
		XID:         id,
		GID:         in.GID,
		PreparedAt:  now,
		Owner:       in.Caller.Role,
		DatabaseOID: in.Caller.DatabaseOID,
		CallerID:    int32(in.Caller.BackendID),
	})
	if err != nil {
		s.countPrepare("rejected")
		return xid.InvalidXID, err
	}
	s.observeOccupancy()

	builder := walrecord.New(s.cfg.WALCeiling)
	if err := builder.Start(walrecord.StartInput{
		XID:         id,
		DatabaseOID: in.Caller.DatabaseOID,
		PreparedAt:  now,
		OwnerOID:    in.Caller.Role,
		GID:         in.GID,
		Subxacts:    in.Subxacts,
		CommitRels:  in.CommitRels,
		AbortRels:   in.AbortRels,
	}); err != nil {
		s.GXacts.ReleaseAndRecycle(ref)
		s.observeOccupancy()
		s.countPrepare("rejected")
		return xid.InvalidXID, err
	}
	for _, rec := range in.RMRecords {
		if err := builder.Register(rec.RMID, rec.Info, rec.Data); err != nil {
			s.GXacts.ReleaseAndRecycle(ref)
			s.observeOccupancy()
			s.countPrepare("rejected")
			return xid.InvalidXID, err
		}
	}
	payload, err := builder.Finish()
	if err != nil {
		// program-limit-exceeded: raised before WAL insert, no durable
		// state created yet, so the reservation is given back (spec §7).
		s.GXacts.ReleaseAndRecycle(ref)
		s.observeOccupancy()
		s.countPrepare("rejected")
		return xid.InvalidXID, err
	}

	s.endPrepare(id, in.GID, in.Caller, ref, payload)

	// post_prepare: this backend no longer holds the entry, so any
	// session with the right privileges may now finish it.
	s.GXacts.Unlock(ref)
	s.Backends.Untrack(in.Caller.BackendID)

	s.observeOccupancy()
	s.countPrepare("prepared")
	return id, nil
}

// endPrepare performs spec §4.3's ten ordered steps. Everything from the
// WAL insert onward is a critical section: any collaborator error here
// is unrecoverable and escalates to a panic the caller must not recover
// from mid-flow (spec §7 PANIC row).
func (s *Subsystem) endPrepare(id xid.XID, gid string, caller CallerInfo, ref *gxact.Ref, payload []byte) {
	// Step 1: caller's in_commit flag. Modeled as a log event — this
	// module's single-goroutine-per-backend execution model (spec §5)
	// means there is no checkpointer goroutine racing this call that a
	// real flag would need to be visible to.
	s.logger.Debug("end_prepare: entering critical section", "xid", id, "gid", gid)

	// Step 2.
	begin, end, err := s.WAL.Insert(walio.RecordPrepare, payload)
	s.panicOnCriticalError(id, gid, "wal_insert", err)

	// Step 3: must precede the flush so a concurrent checkpoint sees the
	// record (spec §4.3 ordering rationale).
	s.Checkpoints.Record(id, begin)

	// Step 4.
	s.panicOnCriticalError(id, gid, "wal_flush", s.WAL.Flush(end))

	// Step 5.
	s.logger.Debug("end_prepare: would wake WAL senders", "xid", id)

	// Step 6: injected panic hook for crash-recovery tests.
	if s.injectPanicAfterFlush {
		s.injectPanicAfterFlush = false
		panic(twopcerrors.CriticalFailure{XID: uint32(id), GID: gid, Step: "injected_test_panic", Cause: nil})
	}

	s.GXacts.MutateLocked(ref, func(e *gxact.Entry) {
		e.PrepareBeginLSN = begin
		e.PrepareLSN = end
	})

	// Step 7.
	s.GXacts.MarkValid(ref, s.ProcArray)

	// Step 8: reassign the caller's currently locked GXact pointer.
	s.Backends.Track(caller.BackendID, ref)

	// Step 9: leave critical section; clear in_commit.
	s.logger.Debug("end_prepare: leaving critical section", "xid", id, "gid", gid)

	// Step 10.
	s.waitSyncReplication(end)
}

// FinishInput carries what FinishPrepared needs beyond the GID.
type FinishInput struct {
	GID            string
	IsCommit       bool
	RaiseIfMissing bool
	Caller         CallerInfo
}

// FinishPrepared runs finish_prepared's fourteen ordered steps (spec
// §4.3). It returns false only when raise_if_missing is false and no
// such GID exists; any other failure either returns a non-nil error (if
// it occurred before the critical section) or panics (if after).
func (s *Subsystem) FinishPrepared(ctx context.Context, in FinishInput) (bool, error) {
	start := time.Now()
	defer func() {
		if s.Metrics != nil {
			s.Metrics.FinishLatency.Observe(time.Since(start).Seconds())
		}
	}()

	// Step 1.
	ref, err := s.GXacts.LockForFinish(gxact.LockForFinishInput{
		GID:             in.GID,
		CallerRole:      in.Caller.Role,
		CallerIsSuper:   in.Caller.IsSuperuser,
		CallerDatabase:  in.Caller.DatabaseOID,
		CoordinatorMode: s.cfg.CoordinatorMode,
		CallerID:        int32(in.Caller.BackendID),
	})
	if err != nil {
		if perr, ok := err.(*twopcerrors.Error); ok && perr.Kind == twopcerrors.KindUndefinedObject && !in.RaiseIfMissing {
			s.countFinish(in.IsCommit, "missing")
			return false, nil
		}
		s.countFinish(in.IsCommit, "rejected")
		return false, err
	}

	entry := s.GXacts.View(ref)
	id := entry.XID()

	// Step 2: a read failure here is data-corrupted, but it precedes
	// "enter critical section" at step 4, so it is still a recoverable
	// error (spec §7): unlock the entry so another backend can retry
	// finish_prepared instead of leaving it wedged behind this backend's
	// lock forever.
	_, rawPayload, err := s.WAL.ReadRecord(entry.PrepareBeginLSN)
	if err != nil {
		s.logger.Error("finish_prepared: prepare record unreadable", "xid", id, "gid", in.GID, "error", err)
		s.GXacts.Unlock(ref)
		s.countFinish(in.IsCommit, "rejected")
		return false, err
	}

	// Step 3: same recoverable-error treatment as step 2.
	parsed, err := walrecord.Parse(rawPayload)
	if err != nil {
		s.logger.Error("finish_prepared: prepare record corrupt", "xid", id, "gid", in.GID, "error", err)
		s.GXacts.Unlock(ref)
		s.countFinish(in.IsCommit, "rejected")
		return false, err
	}
	if parsed.XID != id {
		s.GXacts.Unlock(ref)
		s.countFinish(in.IsCommit, "rejected")
		return false, twopcerrors.New(twopcerrors.KindDataCorrupted, "prepare record xid %d does not match gxact xid %d", parsed.XID, id)
	}

	// Step 4: enter critical section.
	s.logger.Debug("finish_prepared: entering critical section", "xid", id, "gid", in.GID, "commit", in.IsCommit)

	now := time.Now()
	var recType walio.RecordType
	var recPayload []byte
	if in.IsCommit {
		cracked, ok := s.Distxact.CrackGID(in.GID)
		recType = walio.RecordCommitPrepared
		recPayload = encodeCommitPrepared(id, cracked, ok, now, parsed.CommitRels, parsed.Subxacts)
	} else {
		recType = walio.RecordAbortPrepared
		recPayload = encodeAbortPrepared(id, now, parsed.AbortRels, parsed.Subxacts)
	}

	// Step 5.
	_, fend, err := s.WAL.Insert(recType, recPayload)
	s.panicOnCriticalError(id, in.GID, "wal_insert_finish", err)
	s.panicOnCriticalError(id, in.GID, "wal_flush_finish", s.WAL.Flush(fend))

	// Step 6.
	s.logger.Debug("finish_prepared: would wake WAL senders", "xid", id)
	if in.IsCommit {
		if cracked, ok := s.Distxact.CrackGID(in.GID); ok {
			s.Distxact.SetCommittedTree(id, cracked.DistribXactID, parsed.Subxacts)
		}
		s.Clog.CommitTree(id, parsed.Subxacts)
	} else {
		s.Clog.AbortTree(id, parsed.Subxacts)
	}

	// Step 7: latest_xid = max(xid, children).
	latest := id
	for _, c := range parsed.Subxacts {
		if c > latest {
			latest = c
		}
	}
	s.ProcArray.Remove(id, latest)

	// Step 8.
	s.GXacts.MutateLocked(ref, func(e *gxact.Entry) { e.Valid = false })

	// Step 9.
	rels := parsed.AbortRels
	if in.IsCommit {
		rels = parsed.CommitRels
	}
	for _, r := range rels {
		s.Storage.Unlink(r)
	}

	// Step 10.
	for _, rec := range parsed.RMRecords {
		rmid := rmgr.RMID(rec.RMID)
		var cbErr error
		if in.IsCommit {
			cbErr = s.RMGR.InvokePostCommit(rmid, id, rec.Info, rec.Data)
		} else {
			cbErr = s.RMGR.InvokePostAbort(rmid, id, rec.Info, rec.Data)
		}
		s.panicOnCriticalError(id, in.GID, "rmgr_callback", cbErr)
	}

	// Step 11.
	s.Checkpoints.Clear(id)

	// Step 12.
	s.GXacts.ReleaseAndRecycle(ref)
	s.Backends.Untrack(in.Caller.BackendID)

	// Step 13: leave critical section.
	s.logger.Debug("finish_prepared: leaving critical section", "xid", id, "gid", in.GID)

	// Step 14.
	s.waitSyncReplication(fend)

	s.observeOccupancy()
	s.countFinish(in.IsCommit, "finished")
	return true, nil
}

// panicOnCriticalError converts a collaborator failure inside a critical
// section into the PANIC spec.md §7 mandates: process termination,
// relying on crash recovery to replay (spec §4.3: "all steps ... form a
// PANIC-on-failure region"). This module never recovers it; only the
// top-level connection handler in internal/server does, immediately
// before calling os.Exit.
func (s *Subsystem) panicOnCriticalError(id xid.XID, gid, step string, err error) {
	if err == nil {
		return
	}
	if s.Metrics != nil {
		s.Metrics.PanicEscalations.Inc()
	}
	s.logger.Error("critical section failure, escalating to PANIC", "xid", id, "gid", gid, "step", step, "error", err)
	panic(twopcerrors.CriticalFailure{XID: uint32(id), GID: gid, Step: step, Cause: err})
}

// waitSyncReplication is a no-op placeholder for spec §4.3 step 10/14:
// synchronous replication is explicitly out of this module's scope
// (there is no replica collaborator in the retrieved pack to ground a
// real implementation on), but the suspension point is named here so the
// call sequence matches the spec exactly and a future wired
// implementation has an obvious seam.
func (s *Subsystem) waitSyncReplication(at interface{ String() string }) {
	s.logger.Debug("would wait for synchronous replication", "lsn", at.String())
}

func (s *Subsystem) countPrepare(outcome string) {
	if s.Metrics != nil {
		s.Metrics.PrepareTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Subsystem) countFinish(isCommit bool, outcome string) {
	if s.Metrics == nil {
		return
	}
	disposition := "rollback"
	if isCommit {
		disposition = "commit"
	}
	s.Metrics.FinishTotal.WithLabelValues(outcome, disposition).Inc()
}
