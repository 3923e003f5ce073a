package txlog

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/maxpert/ldapnotify/common"
)

// IndexRecordSize is the fixed stride of the index file:
// id(8) + offset(8) + length(8) + checksum(8), little endian.
const IndexRecordSize = 32

// IndexRecord locates one entry in the log file.
type IndexRecord struct {
	ID       common.TransactionID
	Offset   uint64
	Length   uint64
	Checksum uint64 // xxhash64 of the log bytes
}

// End returns the log offset just past the record.
func (r IndexRecord) End() uint64 {
	return r.Offset + r.Length
}

func (r IndexRecord) put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.ID))
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], r.Length)
	binary.LittleEndian.PutUint64(buf[24:32], r.Checksum)
}

func decodeIndexRecord(buf []byte) IndexRecord {
	return IndexRecord{
		ID:       common.TransactionID(binary.LittleEndian.Uint64(buf[0:8])),
		Offset:   binary.LittleEndian.Uint64(buf[8:16]),
		Length:   binary.LittleEndian.Uint64(buf[16:24]),
		Checksum: binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// readIndexRecord reads the n-th record (0 based) of the index.
func readIndexRecord(f *os.File, n int64) (IndexRecord, error) {
	var buf [IndexRecordSize]byte
	if _, err := f.ReadAt(buf[:], n*IndexRecordSize); err != nil {
		return IndexRecord{}, fmt.Errorf("read index record %d: %w", n, err)
	}
	return decodeIndexRecord(buf[:]), nil
}

// lastIDFor returns the high-water mark for an index of size bytes starting at base.
func lastIDFor(base common.TransactionID, size int64) common.TransactionID {
	n := size / IndexRecordSize
	if n == 0 {
		return 0
	}
	return base + common.TransactionID(n) - 1
}
