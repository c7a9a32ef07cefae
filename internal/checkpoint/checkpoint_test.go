package checkpoint

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/leengari/twophase/internal/lsn"
	"github.com/leengari/twophase/internal/xid"
)

func TestRecordAndClear(t *testing.T) {
	idx := New()
	idx.Record(10, lsn.LSN{SegmentID: 1, Offset: 100})
	idx.Record(11, lsn.LSN{SegmentID: 1, Offset: 200})

	assert.Equal(t, idx.Len(), 2)
	assert.Equal(t, idx.MinLSN(), lsn.LSN{SegmentID: 1, Offset: 100})

	idx.Clear(10)
	assert.Equal(t, idx.Len(), 1)
	assert.Equal(t, idx.MinLSN(), lsn.LSN{SegmentID: 1, Offset: 200})
}

func TestRecordDuplicatePanics(t *testing.T) {
	idx := New()
	idx.Record(10, lsn.LSN{SegmentID: 1, Offset: 1})

	defer func() {
		if recover() == nil {
			t.Fatal("expected Record to panic on a duplicate xid")
		}
	}()
	idx.Record(10, lsn.LSN{SegmentID: 1, Offset: 2})
}

func TestMinLSNOnEmptyIndex(t *testing.T) {
	idx := New()
	assert.Equal(t, idx.MinLSN(), lsn.Invalid)
}

func TestPayloadRoundTrip(t *testing.T) {
	entries := map[xid.XID]lsn.LSN{
		10: {SegmentID: 1, Offset: 100},
		11: {SegmentID: 2, Offset: 50},
		12: {SegmentID: 2, Offset: 999},
	}
	encoded := EncodePayload(entries)
	decoded, err := DecodePayload(encoded)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, entries)
}

func TestPayloadRoundTripEmpty(t *testing.T) {
	encoded := EncodePayload(map[xid.XID]lsn.LSN{})
	decoded, err := DecodePayload(encoded)
	assert.NilError(t, err)
	assert.Equal(t, len(decoded), 0)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	encoded := EncodePayload(map[xid.XID]lsn.LSN{1: {SegmentID: 1, Offset: 1}})
	encoded[0] ^= 0xFF
	_, err := DecodePayload(encoded)
	assert.ErrorContains(t, err, "data_corrupted")
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	encoded := EncodePayload(map[xid.XID]lsn.LSN{1: {SegmentID: 1, Offset: 1}, 2: {SegmentID: 1, Offset: 2}})
	_, err := DecodePayload(encoded[:len(encoded)-4])
	assert.ErrorContains(t, err, "data_corrupted")
}
