package twophase

import (
	"hash/fnv"
	"time"

	"github.com/leengari/twophase/internal/distxact"
	"github.com/leengari/twophase/internal/relfile"
	"github.com/leengari/twophase/internal/walio"
	"github.com/leengari/twophase/internal/xid"
)

// commitPreparedHeaderSize is {xid(4), distrib_timestamp(8),
// distrib_xid(4), commit_time(8), nrels(4), nsubxacts(4)} per spec §6.
const commitPreparedHeaderSize = 4 + 8 + 4 + 8 + 4 + 4

// abortPreparedHeaderSize is {xid(4), abort_time(8), nrels(4),
// nsubxacts(4)} per spec §6.
const abortPreparedHeaderSize = 4 + 8 + 4 + 4

// distribXIDFromString folds an opaque distributed-transaction id (a
// UUID string, per internal/distxact) into the 32-bit field the wire
// format reserves for it. This module treats the distributed id as
// opaque bookkeeping (spec.md §1 Non-goal: no cross-node coordination
// beyond carrying it), so a collision-tolerant hash is sufficient; nothing
// in this module branches on its value.
func distribXIDFromString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func encodeCommitPrepared(id xid.XID, cracked distxact.Cracked, cracked_ok bool, commitTime time.Time, rels []relfile.Node, subxacts []xid.XID) []byte {
	buf := make([]byte, commitPreparedHeaderSize+len(rels)*12+len(subxacts)*4)
	off := 0
	walio.ByteOrder.PutUint32(buf[off:], uint32(id))
	off += 4

	var distribTS int64
	var distribXID uint32
	if cracked_ok {
		distribTS = cracked.Timestamp.UnixNano()
		distribXID = distribXIDFromString(cracked.DistribXactID)
	}
	walio.ByteOrder.PutUint64(buf[off:], uint64(distribTS))
	off += 8
	walio.ByteOrder.PutUint32(buf[off:], distribXID)
	off += 4
	walio.ByteOrder.PutUint64(buf[off:], uint64(commitTime.UnixNano()))
	off += 8
	walio.ByteOrder.PutUint32(buf[off:], uint32(len(rels)))
	off += 4
	walio.ByteOrder.PutUint32(buf[off:], uint32(len(subxacts)))
	off += 4

	off = encodeRelFilesInto(buf, off, rels)
	encodeXIDsInto(buf, off, subxacts)
	return buf
}

func encodeAbortPrepared(id xid.XID, abortTime time.Time, rels []relfile.Node, subxacts []xid.XID) []byte {
	buf := make([]byte, abortPreparedHeaderSize+len(rels)*12+len(subxacts)*4)
	off := 0
	walio.ByteOrder.PutUint32(buf[off:], uint32(id))
	off += 4
	walio.ByteOrder.PutUint64(buf[off:], uint64(abortTime.UnixNano()))
	off += 8
	walio.ByteOrder.PutUint32(buf[off:], uint32(len(rels)))
	off += 4
	walio.ByteOrder.PutUint32(buf[off:], uint32(len(subxacts)))
	off += 4

	off = encodeRelFilesInto(buf, off, rels)
	encodeXIDsInto(buf, off, subxacts)
	return buf
}

func encodeRelFilesInto(buf []byte, off int, rels []relfile.Node) int {
	for _, r := range rels {
		walio.ByteOrder.PutUint32(buf[off:], r.DatabaseOID)
		walio.ByteOrder.PutUint32(buf[off+4:], r.Tablespace)
		walio.ByteOrder.PutUint32(buf[off+8:], r.RelOID)
		off += 12
	}
	return off
}

func encodeXIDsInto(buf []byte, off int, ids []xid.XID) int {
	for _, id := range ids {
		walio.ByteOrder.PutUint32(buf[off:], uint32(id))
		off += 4
	}
	return off
}
