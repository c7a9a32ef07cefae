package recovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/checkpoint"
	"github.com/leengari/twophase/internal/clog"
	"github.com/leengari/twophase/internal/distxact"
	"github.com/leengari/twophase/internal/gxact"
	"github.com/leengari/twophase/internal/procarray"
	"github.com/leengari/twophase/internal/relfile"
	"github.com/leengari/twophase/internal/rmgr"
	"github.com/leengari/twophase/internal/subxact"
	"github.com/leengari/twophase/internal/walio"
	"github.com/leengari/twophase/internal/walrecord"
	"github.com/leengari/twophase/internal/xid"
)

// TestRecoverReconstructsPreparedEntry covers scenario S5 / testable
// property #7: a GXact written by end_prepare and never finished must
// come back out of a fresh table with matching xid, gid, prepared_at,
// owner, database, and nsubxacts, and valid=true.
func TestRecoverReconstructsPreparedEntry(t *testing.T) {
	dir, err := os.MkdirTemp("", "twophase-recovery")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	wal, err := walio.Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	defer wal.Close()

	preparedAt := time.Unix(1_700_000_000, 0).UTC()
	builder := walrecord.New(1 << 20)
	assert.NilError(t, builder.Start(walrecord.StartInput{
		XID:         200,
		DatabaseOID: 5,
		PreparedAt:  preparedAt,
		OwnerOID:    42,
		GID:         "tx-B",
		Subxacts:    []xid.XID{201, 202},
		CommitRels:  []relfile.Node{{DatabaseOID: 1, Tablespace: 2, RelOID: 3}},
	}))
	assert.NilError(t, builder.Register(uint8(rmgr.RMIDLock), 7, []byte("lock-state")))
	payload, err := builder.Finish()
	assert.NilError(t, err)

	begin, _, err := wal.Insert(walio.RecordPrepare, payload)
	assert.NilError(t, err)
	assert.NilError(t, wal.Flush(begin))

	checkpoints := checkpoint.New()
	checkpoints.Record(200, begin)

	var recoveredWithLock bool
	rmgrReg := rmgr.New()
	rmgrReg.RegisterRecover(rmgr.RMIDLock, func(id xid.XID, info uint16, data []byte) error {
		recoveredWithLock = id == 200 && info == 7 && string(data) == "lock-state"
		return nil
	})

	driver := &Driver{
		Checkpoints: checkpoints,
		WAL:         wal,
		Clog:        clog.New(),
		GXacts:      gxact.New(4),
		ProcArray:   procarray.New(),
		Subxacts:    subxact.New(),
		RMGR:        rmgrReg,
		Distxact:    distxact.DefaultCracker{},
		XIDs:        xid.NewGenerator(),
	}

	result, err := driver.Run()
	assert.NilError(t, err)
	assert.Equal(t, len(result.Recovered), 1)
	assert.Equal(t, result.Recovered[0], xid.XID(200))
	assert.Assert(t, recoveredWithLock)

	ref, err := driver.GXacts.Find("tx-B")
	assert.NilError(t, err)
	entry := driver.GXacts.View(ref)

	assert.Equal(t, entry.XID(), xid.XID(200))
	assert.Equal(t, entry.GID, "tx-B")
	assert.Equal(t, entry.Owner, uint32(42))
	assert.Equal(t, entry.DummyProc.DatabaseOID, uint32(5))
	assert.Equal(t, len(entry.DummyProc.Subxacts), 2)
	assert.Assert(t, entry.Valid)
	assert.Assert(t, entry.PreparedAt.Equal(preparedAt))

	parent, ok := driver.Subxacts.ParentOf(201)
	assert.Assert(t, ok)
	assert.Equal(t, parent, xid.XID(200))
}

// TestPrescanAdvancesXIDGenerator ensures recovered subxact ids can
// never be reissued (spec §4.6 Prescan).
func TestPrescanAdvancesXIDGenerator(t *testing.T) {
	dir, err := os.MkdirTemp("", "twophase-recovery")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	wal, err := walio.Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	defer wal.Close()

	builder := walrecord.New(1 << 20)
	assert.NilError(t, builder.Start(walrecord.StartInput{
		XID:      50,
		GID:      "tx-high-subxacts",
		Subxacts: []xid.XID{500, 501},
	}))
	payload, err := builder.Finish()
	assert.NilError(t, err)

	begin, _, err := wal.Insert(walio.RecordPrepare, payload)
	assert.NilError(t, err)

	checkpoints := checkpoint.New()
	checkpoints.Record(50, begin)

	xids := xid.NewGenerator()
	driver := &Driver{
		Checkpoints: checkpoints,
		WAL:         wal,
		Clog:        clog.New(),
		GXacts:      gxact.New(4),
		ProcArray:   procarray.New(),
		Subxacts:    subxact.New(),
		RMGR:        rmgr.New(),
		Distxact:    distxact.DefaultCracker{},
		XIDs:        xids,
	}
	_, err = driver.Run()
	assert.NilError(t, err)

	assert.Assert(t, xids.Peek() > 501)
}

// TestAlreadyResolvedEntryIsSkipped covers the "finished, not yet
// checkpointed away" case: a GID clog already marked committed must not
// be reconstructed.
func TestAlreadyResolvedEntryIsSkipped(t *testing.T) {
	dir, err := os.MkdirTemp("", "twophase-recovery")
	assert.NilError(t, err)
	defer os.RemoveAll(dir)

	wal, err := walio.Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	defer wal.Close()

	builder := walrecord.New(1 << 20)
	assert.NilError(t, builder.Start(walrecord.StartInput{XID: 77, GID: "tx-done"}))
	payload, err := builder.Finish()
	assert.NilError(t, err)
	begin, _, err := wal.Insert(walio.RecordPrepare, payload)
	assert.NilError(t, err)

	checkpoints := checkpoint.New()
	checkpoints.Record(77, begin)

	clogLog := clog.New()
	clogLog.CommitTree(77, nil)

	driver := &Driver{
		Checkpoints: checkpoints,
		WAL:         wal,
		Clog:        clogLog,
		GXacts:      gxact.New(4),
		ProcArray:   procarray.New(),
		Subxacts:    subxact.New(),
		RMGR:        rmgr.New(),
		Distxact:    distxact.DefaultCracker{},
		XIDs:        xid.NewGenerator(),
	}
	result, err := driver.Run()
	assert.NilError(t, err)
	assert.Equal(t, len(result.Recovered), 0)
}
