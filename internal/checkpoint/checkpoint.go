// Package checkpoint implements the Post-Checkpoint Index and the
// on-disk checkpoint payload of spec.md §4.4/§4.5/§6: a snapshot of
// which prepared transactions a checkpoint has already accounted for,
// keyed by XID, plus the doubling-allocated binary encoding the
// checkpointer writes out and recovery reads back.
//
// Grounded on the teacher's storage/manager/wal_manager.go checkpoint
// routine (which walks its table and serializes a length-prefixed
// record stream) and wal/types.go's fixed binary header conventions.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/leengari/twophase/internal/lsn"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/xid"
)

// Index tracks, for each XID a checkpoint has already recorded, the LSN
// at which its prepare record begins (spec §4.4: "so a later crash
// replays starting only at the oldest such LSN").
//
// Open Question resolved (spec.md §9): a collision — recording the same
// XID twice before it is cleared — always indicates a logic error
// upstream (the same prepared transaction reaching the checkpoint twice
// without an intervening finish), so Record asserts via panic rather
// than silently overwriting. A silent overwrite would hide exactly the
// bug this index exists to avoid: losing track of which LSN a crash
// must rewind to.
type Index struct {
	mu      sync.RWMutex
	byXID   map[xid.XID]lsn.LSN
}

// New returns an empty post-checkpoint index.
func New() *Index {
	return &Index{byXID: make(map[xid.XID]lsn.LSN)}
}

// Record adds id at beginLSN. Panics if id is already present — see the
// Open Question note on Index.
func (idx *Index) Record(id xid.XID, beginLSN lsn.LSN) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.byXID[id]; exists {
		panic(fmt.Sprintf("checkpoint: xid %d recorded twice in post-checkpoint index", id))
	}
	idx.byXID[id] = beginLSN
}

// Clear removes id, called once its prepared transaction finishes
// (spec §4.4: entries are removed "once the transaction's outcome is
// durable for reasons other than the checkpoint itself").
func (idx *Index) Clear(id xid.XID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byXID, id)
}

// MinLSN returns the smallest recorded begin-LSN across every tracked
// XID, or lsn.Invalid if the index is empty (spec §4.5: the
// checkpointer's redo horizon must not move past this).
func (idx *Index) MinLSN() lsn.LSN {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	min := lsn.Invalid
	first := true
	for _, l := range idx.byXID {
		if first || l.Less(min) {
			min = l
			first = false
		}
	}
	return min
}

// SnapshotAll copies the index's {xid: lsn} pairs out for use by the
// checkpoint payload encoder.
func (idx *Index) SnapshotAll() map[xid.XID]lsn.LSN {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[xid.XID]lsn.LSN, len(idx.byXID))
	for k, v := range idx.byXID {
		out[k] = v
	}
	return out
}

// Len reports how many entries the index currently holds.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byXID)
}

// payloadMagic distinguishes a checkpoint's two-phase section from any
// other part of the checkpoint record (spec §6: raw {count, maps}
// binary format).
const payloadMagic uint32 = 0x32504331 // "2PC1"

// EncodePayload serializes entries into the raw checkpoint payload
// format spec.md §6 mandates: a magic, a count, then count fixed-width
// {xid, segment_id, offset} triples. The slice backing the encode grows
// by doubling, following the teacher's wal writer.go buffer-growth
// strategy, rather than pre-sizing exactly — the count is known up
// front here, but doubling keeps this encoder's growth policy
// consistent with the rest of the module's append-heavy buffers.
func EncodePayload(entries map[xid.XID]lsn.LSN) []byte {
	buf := make([]byte, 0, 64)
	buf = appendUint32(buf, payloadMagic)
	buf = appendUint32(buf, uint32(len(entries)))

	for id, l := range entries {
		needed := len(buf) + 4 + 4 + 4
		for cap(buf) < needed {
			buf = growByDoubling(buf)
		}
		buf = appendUint32(buf, uint32(id))
		buf = appendUint32(buf, l.SegmentID)
		buf = appendUint32(buf, l.Offset)
	}
	return buf
}

// DecodePayload parses bytes produced by EncodePayload, returning a
// data-corrupted error (spec §7) if the magic, length, or record count
// don't line up.
func DecodePayload(payload []byte) (map[xid.XID]lsn.LSN, error) {
	if len(payload) < 8 {
		return nil, corrupt("checkpoint payload too short: %d bytes", len(payload))
	}
	magic := binary.LittleEndian.Uint32(payload[0:4])
	if magic != payloadMagic {
		return nil, corrupt("checkpoint payload has wrong magic 0x%X", magic)
	}
	count := binary.LittleEndian.Uint32(payload[4:8])

	const recSize = 12
	want := 8 + int(count)*recSize
	if len(payload) != want {
		return nil, corrupt("checkpoint payload length %d does not match count %d (want %d)", len(payload), count, want)
	}

	out := make(map[xid.XID]lsn.LSN, count)
	off := 8
	for i := uint32(0); i < count; i++ {
		id := xid.XID(binary.LittleEndian.Uint32(payload[off : off+4]))
		segID := binary.LittleEndian.Uint32(payload[off+4 : off+8])
		offset := binary.LittleEndian.Uint32(payload[off+8 : off+12])
		if _, dup := out[id]; dup {
			return nil, corrupt("checkpoint payload lists xid %d twice", id)
		}
		out[id] = lsn.LSN{SegmentID: segID, Offset: offset}
		off += recSize
	}
	return out, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func growByDoubling(buf []byte) []byte {
	newCap := cap(buf) * 2
	if newCap == 0 {
		newCap = 16
	}
	grown := make([]byte, len(buf), newCap)
	copy(grown, buf)
	return grown
}

func corrupt(format string, args ...interface{}) error {
	return twopcerrors.New(twopcerrors.KindDataCorrupted, format, args...).
		WithHint("this checkpoint segment cannot be trusted; recover from an earlier checkpoint and WAL replay")
}
