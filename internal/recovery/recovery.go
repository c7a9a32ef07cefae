// Package recovery implements the Recovery Driver of spec.md §4.6: the
// startup pass, run once before user connections are admitted, that
// replays every prepared transaction a checkpoint (or the WAL tail)
// left behind into a fresh GXact table.
//
// Grounded on the teacher's internal/wal/recovery.go, which performs
// the analogous job for ordinary DML WAL records: read the checkpoint's
// bookkeeping, replay each outstanding record, reconstruct in-memory
// state. This package generalizes that two-pass (prescan, then replay)
// shape to prepared transactions specifically.
package recovery

import (
	"fmt"

	"github.com/leengari/twophase/internal/checkpoint"
	"github.com/leengari/twophase/internal/clog"
	"github.com/leengari/twophase/internal/distxact"
	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/lsn"
	"github.com/leengari/twophase/internal/procarray"
	"github.com/leengari/twophase/internal/rmgr"
	"github.com/leengari/twophase/internal/subxact"
	"github.com/leengari/twophase/internal/walio"
	"github.com/leengari/twophase/internal/walrecord"
	"github.com/leengari/twophase/internal/xid"
)

// Driver wires together the collaborators Prescan and Recover need.
// Checkpoints must already be populated (by loading the last checkpoint
// payload and replaying any prepare/forget records the WAL tail carries
// past it) before Run is called — that loading step belongs to the
// process bootstrap, not to this driver (spec §4.5: checkpoint loading
// and the recovery driver are named as separate responsibilities).
type Driver struct {
	Checkpoints *checkpoint.Index
	WAL         *walio.Log
	Clog        *clog.Log
	GXacts      *gxact.Table
	ProcArray   *procarray.Array
	Subxacts    *subxact.Map
	RMGR        *rmgr.Registry
	Distxact    distxact.Cracker
	XIDs        *xid.Generator
}

// Result summarizes what one Run recovered, for the caller to log and
// to feed into the running-xmin computation a real checkpointer needs.
type Result struct {
	OldestInProgress xid.XID
	Recovered        []xid.XID
}

// Run performs Prescan then Recover over every entry currently in the
// post-checkpoint index (spec §4.6).
func (d *Driver) Run() (Result, error) {
	entries := d.Checkpoints.SnapshotAll()

	if err := d.prescan(entries); err != nil {
		return Result{}, err
	}
	return d.recover(entries)
}

// prescan reads each candidate prepare record, skips anything clog
// already resolved, and otherwise folds its subxact ids into the
// next-xid cursor so they can never be reissued (spec §4.6 Prescan).
func (d *Driver) prescan(entries map[xid.XID]lsn.LSN) error {
	for id, begin := range entries {
		parsed, err := d.readPrepare(id, begin)
		if err != nil {
			return err
		}
		if d.Clog.DidCommit(id) || d.Clog.DidAbort(id) {
			continue
		}
		d.XIDs.AdvancePast(append(parsed.Subxacts, id)...)
	}
	return nil
}

// recover rebuilds one GXact table entry per still-outstanding prepared
// transaction (spec §4.6 Recover).
func (d *Driver) recover(entries map[xid.XID]lsn.LSN) (Result, error) {
	result := Result{}
	oldestSet := false

	for id, begin := range entries {
		parsed, err := d.readPrepare(id, begin)
		if err != nil {
			return Result{}, err
		}
		if d.Clog.DidCommit(id) || d.Clog.DidAbort(id) {
			// A crash between finish_prepared's WAL write and its
			// release_and_recycle: the outcome is already durable, so
			// there is nothing to reconstruct in the table. A real
			// system would still run the "forget 2pc" cleanup here;
			// this driver leaves the entry in Checkpoints and only
			// skips it.
			continue
		}

		// All children flatten to the top xid (spec §4.6: "original
		// hierarchy is not preserved").
		for _, sub := range parsed.Subxacts {
			d.Subxacts.SetParent(sub, id)
		}

		// Parsed for the side effect of validating/registering the
		// embedded distributed-transaction id (spec §4.6 Recover); the
		// coordinator-side use of it is out of scope (spec.md §1).
		d.Distxact.CrackGID(parsed.GID)

		ref, err := d.GXacts.Reserve(gxact.ReserveInput{
			XID:         id,
			GID:         parsed.GID,
			PreparedAt:  parsed.PreparedAt,
			Owner:       parsed.OwnerOID,
			DatabaseOID: parsed.DatabaseOID,
			CallerID:    gxact.InvalidBackendID,
		})
		if err != nil {
			return Result{}, fmt.Errorf("recovering xid %d (gid %q): %w", id, parsed.GID, err)
		}

		d.GXacts.MutateLocked(ref, func(e *gxact.Entry) {
			e.DummyProc.Subxacts = parsed.Subxacts
			e.PrepareBeginLSN = begin
			// PrepareLSN (the end-of-record LSN used only to gate a
			// synchronous-replication wait) is deliberately left zero
			// (spec §4.6): the only cost is an extra fsync on the next
			// checkpoint, not a correctness problem.
		})
		d.GXacts.MarkValid(ref, d.ProcArray)

		for _, rec := range parsed.RMRecords {
			if err := d.RMGR.Recover(rmgr.RMID(rec.RMID), id, rec.Info, rec.Data); err != nil {
				return Result{}, fmt.Errorf("replaying rmid %d for xid %d: %w", rec.RMID, id, err)
			}
		}

		result.Recovered = append(result.Recovered, id)
		if !oldestSet || id < result.OldestInProgress {
			result.OldestInProgress = id
			oldestSet = true
		}
	}
	return result, nil
}

func (d *Driver) readPrepare(id xid.XID, begin lsn.LSN) (*walrecord.Parsed, error) {
	_, payload, err := d.WAL.ReadRecord(begin)
	if err != nil {
		return nil, fmt.Errorf("reading prepare record for xid %d: %w", id, err)
	}
	parsed, err := walrecord.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parsing prepare record for xid %d: %w", id, err)
	}
	if parsed.XID != id {
		return nil, fmt.Errorf("prepare record at checkpoint-indexed lsn has xid %d, expected %d", parsed.XID, id)
	}
	return parsed, nil
}
