// Package walrecord implements the Prepare-Record Assembler of spec.md
// §4.1: the streaming builder that accumulates a prepared transaction's
// header, subtransaction list, commit/abort file lists, and
// resource-manager records into a single aligned byte chain suitable
// for one WAL insertion, plus the reader that parses it back.
//
// The on-the-wire framing (8-byte alignment, CRC32 trailer, explicit
// length-prefixed fields) follows the teacher's internal/wal/types.go
// and internal/wal/writer.go byte-layout conventions, generalized from
// a fixed set of DML record types to the single prepare payload spec.md
// §3 describes.
package walrecord

import "encoding/binary"

// ByteOrder is the byte order used for every multi-byte integer in a
// prepare payload, matching the teacher's wal.ByteOrder.
var ByteOrder = binary.LittleEndian

// Alignment is the byte alignment every segment of the payload is
// padded to (spec §3: "each segment padded to an 8- or
// maximum-alignment boundary"; we use 8 throughout, matching the
// teacher's WAL record alignment).
const Alignment = 8

// Magic identifies a prepare payload (spec §3.1).
const Magic uint32 = 0x57F94531

// GIDSize is the fixed, NUL-padded width of the embedded GID field.
const GIDSize = 200

// MaxGIDLen is the longest GID a caller may supply (spec §3: "bounded
// length (≤ 199 bytes, byte-exact)"); one byte is reserved so a fully
// populated GID can still be distinguished from an unterminated one.
const MaxGIDLen = 199

// EndRMID is the resource-manager id of the end-sentinel sub-record
// (spec §3.5–3.6).
const EndRMID uint8 = 0xFF

// HeaderSize is the encoded size of Header in bytes, before alignment
// padding: magic(4) + total_len(4) + xid(4) + database_oid(4) +
// prepared_at(8) + owner_oid(4) + nsubxacts(4) + ncommit_rels(4) +
// nabort_rels(4) + gid(200).
const HeaderSize = 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + GIDSize

// RelFileSize is the encoded size of one RelFileNode triple.
const RelFileSize = 4 + 4 + 4

// subRecordPrefixSize is the encoded size of a resource-manager
// sub-record's prefix: len(4) + rmid(1) + info(2) = 7 bytes. The data
// follows the prefix directly; the whole sub-record is then padded up to
// Alignment.
const subRecordPrefixSize = 4 + 1 + 2

// Header is the fixed-size leading segment of a prepare payload
// (spec §3.1).
type Header struct {
	Magic        uint32
	TotalLen     uint32
	XID          uint32
	DatabaseOID  uint32
	PreparedAt   int64
	OwnerOID     uint32
	NSubxacts    int32
	NCommitRels  int32
	NAbortRels   int32
	GID          [GIDSize]byte
}

// RelFile is the on-wire encoding of a relfile.Node triple.
type RelFile struct {
	DatabaseOID uint32
	Tablespace  uint32
	RelOID      uint32
}

// RMRecord is one resource-manager sub-record (spec §3.5).
type RMRecord struct {
	RMID uint8
	Info uint16
	Data []byte
}

// AlignUp rounds size up to the next multiple of Alignment.
func AlignUp(size int) int {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// GIDToFixed copies gid into a fixed-width, NUL-padded array, matching
// the byte-exact comparison semantics spec §3 and §4.2 require.
func GIDToFixed(gid string) (out [GIDSize]byte) {
	copy(out[:], gid)
	return out
}

// GIDFromFixed trims the trailing NUL padding back off a fixed-width GID.
func GIDFromFixed(fixed [GIDSize]byte) string {
	n := 0
	for n < len(fixed) && fixed[n] != 0 {
		n++
	}
	return string(fixed[:n])
}
