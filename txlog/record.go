package txlog

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/encoding"
)

// logRecord is what one log file record decodes to. Zstd marks a compressed
// body. ChainPos and ChainLen place the entry within the chain it was
// appended with; records of single-entry chains leave both zero.
type logRecord struct {
	Entry    *common.NotifyEntry `msgpack:"e"`
	Zstd     bool                `msgpack:"z,omitempty"`
	ChainPos uint32              `msgpack:"cp,omitempty"`
	ChainLen uint32              `msgpack:"cl,omitempty"`
}

// chainComplete reports whether this record is the last entry of its chain.
func (r *logRecord) chainComplete() bool {
	return r.ChainLen <= 1 || r.ChainPos+1 >= r.ChainLen
}

// encodeRecord serializes e as entry pos of a chain of chainLen entries,
// compressing bodies longer than compressOver bytes (0 disables compression).
// Returns the bytes and their checksum.
func encodeRecord(e *common.NotifyEntry, pos, chainLen, compressOver int) ([]byte, uint64, error) {
	rec := logRecord{Entry: e}
	if chainLen > 1 {
		rec.ChainPos = uint32(pos)
		rec.ChainLen = uint32(chainLen)
	}
	if compressOver > 0 && len(e.Body) > compressOver {
		body, err := encoding.Compress(e.Body)
		if err != nil {
			return nil, 0, err
		}
		c := *e
		c.Body = body
		rec.Entry = &c
		rec.Zstd = true
	}

	data, err := encoding.Marshal(&rec)
	if err != nil {
		return nil, 0, fmt.Errorf("encode entry %d: %w", e.ID, err)
	}
	return data, xxhash.Sum64(data), nil
}

// decodeRecord verifies data against the index record and decodes it.
func decodeRecord(data []byte, ir IndexRecord) (*common.NotifyEntry, error) {
	rec, err := decodeLogRecord(data, ir)
	if err != nil {
		return nil, err
	}
	return rec.Entry, nil
}

func decodeLogRecord(data []byte, ir IndexRecord) (*logRecord, error) {
	if sum := xxhash.Sum64(data); sum != ir.Checksum {
		return nil, fmt.Errorf("%w: id %d checksum %x, index says %x", ErrCorruptRecord, ir.ID, sum, ir.Checksum)
	}

	var rec logRecord
	if err := encoding.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: id %d: %v", ErrCorruptRecord, ir.ID, err)
	}
	if rec.Entry == nil || rec.Entry.ID != ir.ID {
		return nil, fmt.Errorf("%w: id %d: record holds a different entry", ErrCorruptRecord, ir.ID)
	}

	if rec.Zstd {
		body, err := encoding.Decompress(rec.Entry.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: id %d: %v", ErrCorruptRecord, ir.ID, err)
		}
		rec.Entry.Body = body
	}
	return &rec, nil
}
