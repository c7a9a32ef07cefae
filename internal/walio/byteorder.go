package walio

import "encoding/binary"

// ByteOrder is the byte order used for every multi-byte integer in the
// WAL file and record headers, matching the teacher's wal.ByteOrder.
var ByteOrder = binary.LittleEndian
