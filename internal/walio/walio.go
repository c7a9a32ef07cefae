// Package walio implements the WAL collaborator contract of spec.md §6:
// insert(rm, info, chain) -> lsn, flush(lsn), read_record(lsn) -> bytes,
// last_insert_begin_lsn() -> lsn.
//
// The file framing — fixed file header, 8-byte-aligned records with a
// CRC32'd payload and an explicit file offset for self-validation — is
// the teacher's internal/wal/wal.go and internal/wal/writer.go pattern,
// generalized from a closed set of DML record types to the three record
// kinds the two-phase-commit core emits (spec §6): XLOG_XACT_PREPARE,
// XLOG_XACT_COMMIT_PREPARED, XLOG_XACT_ABORT_PREPARED, plus a checkpoint
// record for the post-checkpoint index.
package walio

import (
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/leengari/twophase/internal/lsn"
	"github.com/leengari/twophase/internal/twopcerrors"
)

// RecordType distinguishes the record kinds this WAL carries.
type RecordType uint8

const (
	RecordPrepare RecordType = iota + 1
	RecordCommitPrepared
	RecordAbortPrepared
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "XLOG_XACT_PREPARE"
	case RecordCommitPrepared:
		return "XLOG_XACT_COMMIT_PREPARED"
	case RecordAbortPrepared:
		return "XLOG_XACT_ABORT_PREPARED"
	case RecordCheckpoint:
		return "XLOG_CHECKPOINT_2PC"
	default:
		return "UNKNOWN"
	}
}

// Magic identifies a valid two-phase WAL file.
var Magic = [8]byte{'T', 'W', 'O', 'P', 'C', 'W', 'A', 'L'}

// Version is the current file format version.
const Version uint16 = 1

// fileHeaderSize is the fixed, padded size of the file header.
const fileHeaderSize = 64

// recordHeaderSize is the fixed size of a record header: type(1) +
// pad(1) + length(4) + lsn-segment(4) + lsn-offset(4) + crc32(4) +
// file-offset(8) + pad(6) = 32 bytes, matching the teacher's
// WALRecordHeader layout exactly.
const recordHeaderSize = 32

// MaxRecordSize bounds a single record the same way the teacher's
// MaxRecordSize protects recovery from a corrupted length field.
const MaxRecordSize = 16 * 1024 * 1024

// Log is a single append-only WAL file plus the bookkeeping the core
// needs: next LSN, last flushed LSN, and the position of the most
// recent insert's begin LSN (spec §6: last_insert_begin_lsn).
type Log struct {
	mu sync.Mutex

	file *os.File
	path string

	segmentID     uint32
	nextOffset    uint32
	flushedOffset uint32
	lastInsertLSN lsn.LSN
}

// Open creates or opens a WAL file at path.
func Open(path string) (*Log, error) {
	existed := false
	if _, err := os.Stat(path); err == nil {
		existed = true
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file: %w", err)
	}

	l := &Log{file: f, path: path}

	if existed {
		off, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("seek to end of WAL: %w", err)
		}
		l.nextOffset = uint32(off)
	} else {
		if err := l.writeFileHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return l, nil
}

func (l *Log) writeFileHeader() error {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:8], Magic[:])
	ByteOrder.PutUint16(buf[8:10], Version)
	ByteOrder.PutUint64(buf[10:18], uint64(time.Now().UnixNano()))
	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("write WAL file header: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync WAL file header: %w", err)
	}
	l.nextOffset = fileHeaderSize
	return nil
}

// Path returns the underlying file path.
func (l *Log) Path() string { return l.path }

// Close syncs and closes the WAL file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	syncErr := l.file.Sync()
	err := l.file.Close()
	l.file = nil
	if syncErr != nil {
		return syncErr
	}
	return err
}

// Insert writes one record (type + payload) and returns its begin and
// end LSN, the contract spec §6 calls insert(rm, info, chain) -> lsn;
// we return both endpoints because end_prepare needs begin_lsn as the
// post-checkpoint index key and end_lsn to flush and wait on (spec §4.3
// steps 2-4, 10).
func (l *Log) Insert(recType RecordType, payload []byte) (begin, end lsn.LSN, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return lsn.Invalid, lsn.Invalid, fmt.Errorf("WAL is closed")
	}

	beginOffset := l.nextOffset
	totalLen := recordHeaderSize + len(payload)
	alignedLen := alignTo8(totalLen)

	header := make([]byte, recordHeaderSize)
	header[0] = byte(recType)
	ByteOrder.PutUint32(header[2:6], uint32(totalLen))
	ByteOrder.PutUint32(header[6:10], l.segmentID)
	ByteOrder.PutUint32(header[10:14], beginOffset)
	crc := crc32.ChecksumIEEE(payload)
	ByteOrder.PutUint32(header[14:18], crc)
	ByteOrder.PutUint64(header[18:26], uint64(beginOffset))

	if _, err := l.file.WriteAt(header, int64(beginOffset)); err != nil {
		return lsn.Invalid, lsn.Invalid, fmt.Errorf("write record header: %w", err)
	}
	if _, err := l.file.WriteAt(payload, int64(beginOffset)+recordHeaderSize); err != nil {
		return lsn.Invalid, lsn.Invalid, fmt.Errorf("write record payload: %w", err)
	}
	padding := alignedLen - totalLen
	if padding > 0 {
		if _, err := l.file.WriteAt(make([]byte, padding), int64(beginOffset)+int64(totalLen)); err != nil {
			return lsn.Invalid, lsn.Invalid, fmt.Errorf("write record padding: %w", err)
		}
	}

	l.nextOffset = beginOffset + uint32(alignedLen)

	begin = lsn.LSN{SegmentID: l.segmentID, Offset: beginOffset}
	end = lsn.LSN{SegmentID: l.segmentID, Offset: l.nextOffset}
	l.lastInsertLSN = begin

	slog.Debug("walio: inserted record", "type", recType, "begin", begin, "end", end, "bytes", len(payload))
	return begin, end, nil
}

// Flush fsyncs the file and records the flushed watermark. end is
// accepted (not just ignored) to mirror the collaborator contract
// flush(lsn); a real multi-segment WAL would use it to decide whether a
// sync is even necessary.
func (l *Log) Flush(end lsn.LSN) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("WAL is closed")
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("fsync WAL: %w", err)
	}
	if end.SegmentID == l.segmentID {
		l.flushedOffset = end.Offset
	}
	return nil
}

// LastInsertBeginLSN returns the begin LSN of the most recent Insert.
func (l *Log) LastInsertBeginLSN() lsn.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastInsertLSN
}

// ReadRecord reads the record type and payload at the given LSN. A
// structural problem here is always a data-corrupted error per spec §7
// ("a read failure is a data-corruption error that must be surfaced as
// a fatal condition with an operator hint").
func (l *Log) ReadRecord(at lsn.LSN) (RecordType, []byte, error) {
	l.mu.Lock()
	file := l.file
	l.mu.Unlock()
	if file == nil {
		return 0, nil, corrupt("WAL is closed")
	}

	header := make([]byte, recordHeaderSize)
	if _, err := file.ReadAt(header, int64(at.Offset)); err != nil {
		return 0, nil, corrupt("reading record header at %s: %v", at, err)
	}

	recType := RecordType(header[0])
	length := ByteOrder.Uint32(header[2:6])
	fileOffset := ByteOrder.Uint64(header[18:26])

	if length > MaxRecordSize || length < recordHeaderSize {
		return 0, nil, corrupt("implausible record length %d at %s", length, at)
	}
	if fileOffset != uint64(at.Offset) {
		return 0, nil, corrupt("file offset mismatch at %s: header says %d", at, fileOffset)
	}

	payloadLen := int(length) - recordHeaderSize
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, int64(at.Offset)); err != nil {
		return 0, nil, corrupt("reading record body at %s: %v", at, err)
	}
	payload := buf[recordHeaderSize : recordHeaderSize+payloadLen]

	crc := crc32.ChecksumIEEE(payload)
	wantCRC := ByteOrder.Uint32(header[14:18])
	if crc != wantCRC {
		return 0, nil, corrupt("CRC mismatch reading record at %s", at)
	}

	return recType, append([]byte(nil), payload...), nil
}

func corrupt(format string, args ...interface{}) error {
	return twopcerrors.New(twopcerrors.KindDataCorrupted, format, args...).
		WithHint("the WAL segment is damaged; failover to a replica or restore from backup")
}

func alignTo8(n int) int { return (n + 7) &^ 7 }
