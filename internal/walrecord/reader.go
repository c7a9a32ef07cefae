package walrecord

import (
	"hash/crc32"
	"time"

	"github.com/leengari/twophase/internal/relfile"
	"github.com/leengari/twophase/internal/twopcerrors"
	"github.com/leengari/twophase/internal/xid"
)

// Parsed is the fully decoded content of one prepare payload, the
// inverse of StartInput plus the rm sub-record stream (spec §4.3 steps
// 2-3, and testable property #6's round-trip check).
type Parsed struct {
	XID         xid.XID
	DatabaseOID uint32
	PreparedAt  time.Time
	OwnerOID    uint32
	GID         string
	Subxacts    []xid.XID
	CommitRels  []relfile.Node
	AbortRels   []relfile.Node
	RMRecords   []RMRecord // excludes the end sentinel
}

// Parse validates and decodes a prepare payload exactly as it was
// produced by Builder.Finish. Any structural problem is reported as a
// data-corrupted error (spec §7), since by the time this is called the
// bytes came back off the WAL.
func Parse(payload []byte) (*Parsed, error) {
	if len(payload) < HeaderSize+crcSize {
		return nil, corrupt("payload too short: %d bytes", len(payload))
	}

	gotCRC := ByteOrder.Uint32(payload[len(payload)-crcSize:])
	body := payload[:len(payload)-crcSize]
	wantCRC := crc32.ChecksumIEEE(body)
	if gotCRC != wantCRC {
		return nil, corrupt("CRC mismatch: header says %08x, computed %08x", gotCRC, wantCRC)
	}

	h, err := decodeHeader(body)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, corrupt("bad magic: got %08x want %08x", h.Magic, Magic)
	}
	if int(h.TotalLen) != len(payload) {
		return nil, corrupt("total_len mismatch: header says %d, payload is %d bytes", h.TotalLen, len(payload))
	}
	if err := sanityCheckLen(h.NSubxacts, "nsubxacts"); err != nil {
		return nil, corrupt("%v", err)
	}
	if err := sanityCheckLen(h.NCommitRels, "ncommit_rels"); err != nil {
		return nil, corrupt("%v", err)
	}
	if err := sanityCheckLen(h.NAbortRels, "nabort_rels"); err != nil {
		return nil, corrupt("%v", err)
	}

	off := AlignUp(HeaderSize)

	subxLen := int(h.NSubxacts) * 4
	if off+subxLen > len(body) {
		return nil, corrupt("subxact array runs past payload")
	}
	subxacts := make([]xid.XID, h.NSubxacts)
	for i := range subxacts {
		subxacts[i] = xid.XID(ByteOrder.Uint32(body[off+i*4:]))
	}
	off += AlignUp(subxLen)

	commitRels, off, err := decodeRelFiles(body, off, int(h.NCommitRels))
	if err != nil {
		return nil, err
	}
	abortRels, off, err := decodeRelFiles(body, off, int(h.NAbortRels))
	if err != nil {
		return nil, err
	}

	var rmRecords []RMRecord
	for {
		if off+subRecordPrefixSize > len(body) {
			return nil, corrupt("truncated resource-manager sub-record at offset %d", off)
		}
		length := int(ByteOrder.Uint32(body[off:]))
		rmid := body[off+4]
		info := ByteOrder.Uint16(body[off+5:])
		dataStart := off + subRecordPrefixSize
		if length < 0 || dataStart+length > len(body) {
			return nil, corrupt("resource-manager sub-record length %d runs past payload at offset %d", length, off)
		}
		data := append([]byte(nil), body[dataStart:dataStart+length]...)

		recLen := subRecordPrefixSize + length
		off += AlignUp(recLen)

		if rmid == EndRMID {
			break
		}
		rmRecords = append(rmRecords, RMRecord{RMID: rmid, Info: info, Data: data})
	}

	return &Parsed{
		XID:         xid.XID(h.XID),
		DatabaseOID: h.DatabaseOID,
		PreparedAt:  time.Unix(0, h.PreparedAt),
		OwnerOID:    h.OwnerOID,
		GID:         GIDFromFixed(h.GID),
		Subxacts:    subxacts,
		CommitRels:  commitRels,
		AbortRels:   abortRels,
		RMRecords:   rmRecords,
	}, nil
}

func decodeHeader(body []byte) (Header, error) {
	if len(body) < HeaderSize {
		return Header{}, corrupt("truncated header")
	}
	var h Header
	off := 0
	h.Magic = ByteOrder.Uint32(body[off:])
	off += 4
	h.TotalLen = ByteOrder.Uint32(body[off:])
	off += 4
	h.XID = ByteOrder.Uint32(body[off:])
	off += 4
	h.DatabaseOID = ByteOrder.Uint32(body[off:])
	off += 4
	h.PreparedAt = int64(ByteOrder.Uint64(body[off:]))
	off += 8
	h.OwnerOID = ByteOrder.Uint32(body[off:])
	off += 4
	h.NSubxacts = int32(ByteOrder.Uint32(body[off:]))
	off += 4
	h.NCommitRels = int32(ByteOrder.Uint32(body[off:]))
	off += 4
	h.NAbortRels = int32(ByteOrder.Uint32(body[off:]))
	off += 4
	copy(h.GID[:], body[off:off+GIDSize])
	return h, nil
}

func decodeRelFiles(body []byte, off int, count int) ([]relfile.Node, int, error) {
	if count < 0 {
		return nil, off, corrupt("negative relfile count")
	}
	size := count * RelFileSize
	if off+size > len(body) {
		return nil, off, corrupt("relfile array runs past payload")
	}
	nodes := make([]relfile.Node, count)
	for i := range nodes {
		o := off + i*RelFileSize
		nodes[i] = relfile.Node{
			DatabaseOID: ByteOrder.Uint32(body[o:]),
			Tablespace:  ByteOrder.Uint32(body[o+4:]),
			RelOID:      ByteOrder.Uint32(body[o+8:]),
		}
	}
	return nodes, off + AlignUp(size), nil
}

func corrupt(format string, args ...interface{}) error {
	return twopcerrors.New(twopcerrors.KindDataCorrupted, format, args...).
		WithHint("the WAL segment containing this prepare record is damaged; failover to a replica or restore from backup before retrying")
}
