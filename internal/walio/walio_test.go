package walio

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "twophase-walio")
	assert.NilError(t, err)
	l, err := Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	return l, dir
}

func TestInsertAndReadRoundTrip(t *testing.T) {
	l, dir := openTestLog(t)
	defer os.RemoveAll(dir)
	defer l.Close()

	payload := []byte("prepare-record-bytes")
	begin, end, err := l.Insert(RecordPrepare, payload)
	assert.NilError(t, err)
	assert.Assert(t, begin.Less(end) || begin == end)

	assert.NilError(t, l.Flush(end))

	recType, got, err := l.ReadRecord(begin)
	assert.NilError(t, err)
	assert.Equal(t, recType, RecordPrepare)
	assert.DeepEqual(t, got, payload)
}

func TestLastInsertBeginLSNTracksMostRecent(t *testing.T) {
	l, dir := openTestLog(t)
	defer os.RemoveAll(dir)
	defer l.Close()

	begin1, _, err := l.Insert(RecordPrepare, []byte("a"))
	assert.NilError(t, err)
	assert.Equal(t, l.LastInsertBeginLSN(), begin1)

	begin2, _, err := l.Insert(RecordCommitPrepared, []byte("bb"))
	assert.NilError(t, err)
	assert.Assert(t, begin2 != begin1)
	assert.Equal(t, l.LastInsertBeginLSN(), begin2)
}

func TestReadRecordDetectsCorruption(t *testing.T) {
	l, dir := openTestLog(t)
	defer os.RemoveAll(dir)

	begin, _, err := l.Insert(RecordAbortPrepared, []byte("payload-to-corrupt"))
	assert.NilError(t, err)
	assert.NilError(t, l.Close())

	// Flip a payload byte directly on disk to simulate bit rot.
	f, err := os.OpenFile(filepath.Join(dir, "twopc.wal"), os.O_RDWR, 0644)
	assert.NilError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(begin.Offset)+recordHeaderSize)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())

	l2, err := Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	defer l2.Close()

	_, _, err = l2.ReadRecord(begin)
	assert.ErrorContains(t, err, "data_corrupted")
}

func TestReopenPreservesOffset(t *testing.T) {
	l, dir := openTestLog(t)
	defer os.RemoveAll(dir)

	_, end, err := l.Insert(RecordPrepare, []byte("record-one"))
	assert.NilError(t, err)
	assert.NilError(t, l.Close())

	l2, err := Open(filepath.Join(dir, "twopc.wal"))
	assert.NilError(t, err)
	defer l2.Close()

	begin2, _, err := l2.Insert(RecordCommitPrepared, []byte("record-two"))
	assert.NilError(t, err)
	assert.Equal(t, begin2, end)
}
