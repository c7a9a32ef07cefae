package walrecord

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/leengari/twophase/internal/relfile"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/xid"
)

// crcSize is the width of the trailing CRC32 (spec §3.7).
const crcSize = 4

// Builder is the process-local assembler of spec.md §4.1, held by the
// single backend currently preparing. It is not safe for concurrent
// use — only one goroutine (the preparing backend) ever touches it, by
// construction of the state machine in internal/twophase.
type Builder struct {
	ceiling int

	started  bool
	finished bool

	header   Header
	segments [][]byte // ordered, already-aligned segments in §3 order
	bodyLen  int      // sum of segment lengths so far, pre-CRC
}

// New creates a Builder that enforces the given WAL payload ceiling
// (spec §3: "total_len must not exceed the WAL payload ceiling").
func New(ceiling int) *Builder {
	return &Builder{ceiling: ceiling}
}

// StartInput carries the fields Start needs to build the header and the
// subxact/rel arrays pulled from collaborators (spec §4.1 start).
type StartInput struct {
	XID         xid.XID
	DatabaseOID uint32
	PreparedAt  time.Time
	OwnerOID    uint32
	GID         string
	Subxacts    []xid.XID
	CommitRels  []relfile.Node
	AbortRels   []relfile.Node
}

// Start initialises an empty aligned-chunk chain and writes the header
// placeholder (total_len=0), then immediately appends the subxact and
// commit/abort rel arrays, per spec §4.1.
func (b *Builder) Start(in StartInput) error {
	if b.started && !b.finished {
		return twopcerrors.New(twopcerrors.KindObjectNotInPrerequisite, "builder already started; call Finish first")
	}
	if len(in.GID) > MaxGIDLen {
		return twopcerrors.New(twopcerrors.KindInvalidParameter, "gid exceeds %d bytes", MaxGIDLen)
	}

	b.header = Header{
		Magic:       Magic,
		TotalLen:    0,
		XID:         uint32(in.XID),
		DatabaseOID: in.DatabaseOID,
		PreparedAt:  in.PreparedAt.UnixNano(),
		OwnerOID:    in.OwnerOID,
		NSubxacts:   int32(len(in.Subxacts)),
		NCommitRels: int32(len(in.CommitRels)),
		NAbortRels:  int32(len(in.AbortRels)),
		GID:         GIDToFixed(in.GID),
	}
	b.segments = nil
	b.bodyLen = 0
	b.started = true
	b.finished = false

	if err := b.appendSegment(encodeHeader(b.header)); err != nil {
		return err
	}

	subxBuf := make([]byte, len(in.Subxacts)*4)
	for i, sx := range in.Subxacts {
		ByteOrder.PutUint32(subxBuf[i*4:], uint32(sx))
	}
	if err := b.appendSegment(subxBuf); err != nil {
		return err
	}

	if err := b.appendSegment(encodeRelFiles(in.CommitRels)); err != nil {
		return err
	}
	if err := b.appendSegment(encodeRelFiles(in.AbortRels)); err != nil {
		return err
	}

	return nil
}

// Register appends one resource-manager sub-record. data may be empty
// (spec §4.1: "len = 0 permitted").
func (b *Builder) Register(rmid uint8, info uint16, data []byte) error {
	if !b.started || b.finished {
		return twopcerrors.New(twopcerrors.KindObjectNotInPrerequisite, "Register called outside an open Start/Finish window")
	}
	return b.appendSubRecord(rmid, info, data)
}

// Finish appends the END sentinel, patches total_len, computes the
// trailing CRC32, and returns the fully assembled payload ready for a
// single WAL insertion. The caller (internal/twophase) is the WAL
// collaborator's client; Finish itself does not perform I/O, keeping
// this package free of a dependency on internal/walio.
//
// After Finish returns successfully the builder is cleared and may not
// be reused without calling Start again (spec §4.1 invariant).
func (b *Builder) Finish() ([]byte, error) {
	if !b.started || b.finished {
		return nil, twopcerrors.New(twopcerrors.KindObjectNotInPrerequisite, "Finish called without a matching Start")
	}
	if err := b.appendSubRecord(EndRMID, 0, nil); err != nil {
		return nil, err
	}

	totalLen := b.bodyLen + crcSize
	if totalLen > b.ceiling {
		b.reset()
		return nil, twopcerrors.New(twopcerrors.KindProgramLimitExceeded,
			"prepare payload of %d bytes exceeds WAL ceiling of %d bytes", totalLen, b.ceiling)
	}

	payload := make([]byte, 0, totalLen)
	for _, seg := range b.segments {
		payload = append(payload, seg...)
	}

	// Patch total_len in place: it is the second 4-byte field of the
	// already-encoded header segment (offset 4, spec §3.1).
	ByteOrder.PutUint32(payload[4:8], uint32(totalLen))

	crc := crc32.ChecksumIEEE(payload)
	crcBuf := make([]byte, crcSize)
	ByteOrder.PutUint32(crcBuf, crc)
	payload = append(payload, crcBuf...)

	b.reset()
	return payload, nil
}

func (b *Builder) reset() {
	b.started = false
	b.finished = true
	b.segments = nil
	b.bodyLen = 0
}

// appendSegment appends a pre-encoded, unaligned segment, padding it up
// to Alignment and tracking the running length for the ceiling check.
func (b *Builder) appendSegment(raw []byte) error {
	aligned := AlignUp(len(raw))
	if b.bodyLen+aligned+crcSize > b.ceiling {
		b.reset()
		return twopcerrors.New(twopcerrors.KindProgramLimitExceeded,
			"prepare payload exceeds WAL ceiling of %d bytes", b.ceiling)
	}
	padded := make([]byte, aligned)
	copy(padded, raw)
	b.segments = append(b.segments, padded)
	b.bodyLen += aligned
	return nil
}

func (b *Builder) appendSubRecord(rmid uint8, info uint16, data []byte) error {
	buf := make([]byte, subRecordPrefixSize+len(data))
	ByteOrder.PutUint32(buf[0:4], uint32(len(data)))
	buf[4] = rmid
	ByteOrder.PutUint16(buf[5:7], info)
	copy(buf[subRecordPrefixSize:], data)
	return b.appendSegment(buf)
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	off := 0
	ByteOrder.PutUint32(buf[off:], h.Magic)
	off += 4
	ByteOrder.PutUint32(buf[off:], h.TotalLen)
	off += 4
	ByteOrder.PutUint32(buf[off:], h.XID)
	off += 4
	ByteOrder.PutUint32(buf[off:], h.DatabaseOID)
	off += 4
	ByteOrder.PutUint64(buf[off:], uint64(h.PreparedAt))
	off += 8
	ByteOrder.PutUint32(buf[off:], h.OwnerOID)
	off += 4
	ByteOrder.PutUint32(buf[off:], uint32(h.NSubxacts))
	off += 4
	ByteOrder.PutUint32(buf[off:], uint32(h.NCommitRels))
	off += 4
	ByteOrder.PutUint32(buf[off:], uint32(h.NAbortRels))
	off += 4
	copy(buf[off:], h.GID[:])
	return buf
}

func encodeRelFiles(nodes []relfile.Node) []byte {
	buf := make([]byte, len(nodes)*RelFileSize)
	for i, n := range nodes {
		off := i * RelFileSize
		ByteOrder.PutUint32(buf[off:], n.DatabaseOID)
		ByteOrder.PutUint32(buf[off+4:], n.Tablespace)
		ByteOrder.PutUint32(buf[off+8:], n.RelOID)
	}
	return buf
}

// sanityCheckLen guards against a corrupt/negative decoded length before
// any allocation, the same safety posture as the teacher's
// WALReader.validateHeader.
func sanityCheckLen(n int32, what string) error {
	if n < 0 {
		return fmt.Errorf("negative %s count: %d", what, n)
	}
	return nil
}
