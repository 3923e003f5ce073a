// Package txlog is the durable transaction log: an append-only log file of
// msgpack records and a parallel index file of fixed 32 byte records, one
// per transaction id. Index records are only written after the log bytes
// they point to are synced, so the index is the commit boundary. Anything
// in the log past the last indexed record was never committed.
package txlog

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/id"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// Options configures a Store.
type Options struct {
	LogPath   string
	IndexPath string

	// BaseID is the id of the first transaction of an empty index.
	// Ignored once the index holds a record. Zero means 1.
	BaseID common.TransactionID

	// CacheEntries bounds the decoded entry cache (0 disables it).
	CacheEntries int

	// CompressBodyOver compresses bodies longer than this many bytes (0 never).
	CompressBodyOver int

	// Counter persists the allocator high-water mark. Required by Open.
	Counter id.Counter
}

// Store is a transaction log opened for appending, or for reading only.
// Append calls are serialized; reads may run concurrently with an append
// and only see fully committed transactions.
type Store struct {
	opts     Options
	readOnly bool

	mu      sync.Mutex // serializes Append and Close
	logFile *os.File   // append handle (nil when read-only)
	idxFile *os.File
	logSize int64 // writer view, protected by mu
	idxSize int64

	logReader *os.File
	idxReader *os.File

	committed    atomic.Int64 // index bytes visible to readers (writer only)
	committedLog atomic.Int64 // log bytes covered by the committed index (writer only)
	base      atomic.Uint64 // 0 until known
	alloc     *id.Allocator
	cache     *lru.Cache[common.TransactionID, *common.NotifyEntry]

	failed atomic.Bool
	closed atomic.Bool

	// beforeIndexWrite runs after the log is synced, before the index is
	// written. Tests use it to inject failures.
	beforeIndexWrite func() error
}

// Open opens or creates the log and index for appending and runs recovery:
//   - an index whose size is not a multiple of IndexRecordSize is fatal
//   - an index pointing past the end of the log is fatal
//   - index records of a chain cut short by a crash are dropped
//   - log bytes past the last indexed record are truncated
//   - the allocator is reconciled with the index, the index wins
func Open(opts Options) (*Store, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("txlog: counter is required")
	}
	if opts.BaseID == 0 {
		opts.BaseID = 1
	}

	s := &Store{opts: opts}
	if err := s.openFiles(); err != nil {
		return nil, err
	}

	if err := s.recover(); err != nil {
		s.closeFiles()
		return nil, err
	}

	if err := s.initCache(); err != nil {
		s.closeFiles()
		return nil, err
	}

	log.Info().
		Str("log", opts.LogPath).
		Uint64("base_id", s.base.Load()).
		Uint64("last_id", uint64(s.LastID())).
		Msg("Transaction log opened")
	return s, nil
}

// OpenReadOnly opens an existing log and index for reading. No recovery is
// performed: readers only trust what the index says.
func OpenReadOnly(opts Options) (*Store, error) {
	s := &Store{opts: opts, readOnly: true}

	var err error
	if s.logReader, err = os.Open(opts.LogPath); err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	if s.idxReader, err = os.Open(opts.IndexPath); err != nil {
		s.logReader.Close()
		return nil, fmt.Errorf("open transaction index: %w", err)
	}

	if err := s.initCache(); err != nil {
		s.closeFiles()
		return nil, err
	}
	return s, nil
}

func (s *Store) openFiles() error {
	var err error
	if s.logFile, err = os.OpenFile(s.opts.LogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644); err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}
	if s.idxFile, err = os.OpenFile(s.opts.IndexPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644); err != nil {
		s.closeFiles()
		return fmt.Errorf("open transaction index: %w", err)
	}
	if s.logReader, err = os.Open(s.opts.LogPath); err != nil {
		s.closeFiles()
		return fmt.Errorf("open transaction log: %w", err)
	}
	if s.idxReader, err = os.Open(s.opts.IndexPath); err != nil {
		s.closeFiles()
		return fmt.Errorf("open transaction index: %w", err)
	}
	return nil
}

func (s *Store) initCache() error {
	if s.opts.CacheEntries <= 0 {
		return nil
	}
	cache, err := lru.New[common.TransactionID, *common.NotifyEntry](s.opts.CacheEntries)
	if err != nil {
		return fmt.Errorf("create entry cache: %w", err)
	}
	s.cache = cache
	return nil
}

func (s *Store) recover() error {
	idxInfo, err := s.idxFile.Stat()
	if err != nil {
		return fmt.Errorf("stat transaction index: %w", err)
	}
	logInfo, err := s.logFile.Stat()
	if err != nil {
		return fmt.Errorf("stat transaction log: %w", err)
	}
	s.idxSize = idxInfo.Size()
	s.logSize = logInfo.Size()

	if s.idxSize%IndexRecordSize != 0 {
		return fmt.Errorf("%w: size %d is not a multiple of %d", ErrCorruptIndex, s.idxSize, IndexRecordSize)
	}

	var logEnd int64
	indexLast := s.opts.BaseID - 1
	if s.idxSize > 0 {
		first, err := readIndexRecord(s.idxReader, 0)
		if err != nil {
			return err
		}
		n := s.idxSize / IndexRecordSize
		last, err := readIndexRecord(s.idxReader, n-1)
		if err != nil {
			return err
		}

		if first.ID == 0 {
			return fmt.Errorf("%w: first record has id 0", ErrCorruptIndex)
		}
		if want := first.ID + common.TransactionID(n) - 1; last.ID != want {
			return fmt.Errorf("%w: last record has id %d, expected %d", ErrCorruptIndex, last.ID, want)
		}
		if last.End() > uint64(s.logSize) {
			return fmt.Errorf("%w: record %d ends at %d past log end %d", ErrCorruptIndex, last.ID, last.End(), s.logSize)
		}
		if first.ID != s.opts.BaseID {
			log.Debug().Uint64("index_base", uint64(first.ID)).Uint64("configured_base", uint64(s.opts.BaseID)).
				Msg("Using base id from index")
		}

		s.base.Store(uint64(first.ID))
		if last, err = s.dropTornChain(first.ID, last); err != nil {
			return err
		}
		indexLast = first.ID - 1
		if s.idxSize > 0 {
			indexLast = last.ID
			logEnd = int64(last.End())
		}
	} else {
		s.base.Store(uint64(s.opts.BaseID))
	}

	if s.logSize > logEnd {
		discarded := s.logSize - logEnd
		log.Warn().
			Int64("bytes", discarded).
			Int64("log_end", logEnd).
			Msg("Discarding unindexed transaction log tail")
		if err := s.logFile.Truncate(logEnd); err != nil {
			return fmt.Errorf("truncate transaction log: %w", err)
		}
		if err := s.logFile.Sync(); err != nil {
			return fmt.Errorf("sync transaction log: %w", err)
		}
		s.logSize = logEnd
		telemetry.LogTruncatedBytesTotal.Add(float64(discarded))
	}

	s.alloc = id.NewAllocator(s.opts.Counter)
	if _, err := s.alloc.Recover(indexLast); err != nil {
		return err
	}

	s.committed.Store(s.idxSize)
	s.committedLog.Store(s.logSize)
	return nil
}

// dropTornChain truncates the index back to the start of the chain that
// last belongs to, when a crash left only part of that chain indexed.
// Returns the record that is now last (meaningless if the index became empty).
func (s *Store) dropTornChain(base common.TransactionID, last IndexRecord) (IndexRecord, error) {
	data, err := s.readLogBytes(last, s.logSize)
	if err != nil {
		return last, fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	rec, err := decodeLogRecord(data, last)
	if err != nil {
		return last, fmt.Errorf("%w: %w", ErrCorruptIndex, err)
	}
	if rec.chainComplete() || common.TransactionID(rec.ChainPos) > last.ID-base {
		return last, nil
	}

	start := last.ID - common.TransactionID(rec.ChainPos)
	keep := int64(start-base) * IndexRecordSize
	log.Warn().
		Uint64("chain_start", uint64(start)).
		Uint64("last_id", uint64(last.ID)).
		Uint32("chain_len", rec.ChainLen).
		Msg("Discarding partially indexed chain")
	if err := s.idxFile.Truncate(keep); err != nil {
		return last, fmt.Errorf("truncate transaction index: %w", err)
	}
	if err := s.idxFile.Sync(); err != nil {
		return last, fmt.Errorf("sync transaction index: %w", err)
	}
	s.idxSize = keep
	if keep == 0 {
		return IndexRecord{}, nil
	}
	return readIndexRecord(s.idxReader, keep/IndexRecordSize-1)
}

// Append commits chain as consecutive transactions, oldest entry first, and
// returns their ids. The log is written and synced before the index. On
// failure both files are truncated back and the allocator rewound, so either
// every entry of the chain is committed or none is.
func (s *Store) Append(chain *common.Chain) ([]common.TransactionID, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	if chain == nil || chain.Len() == 0 {
		return nil, common.ErrEmptyChain
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.failed.Load() {
		return nil, ErrFatal
	}

	start := time.Now()
	prevLast := s.alloc.Last()
	prevLog, prevIdx := s.logSize, s.idxSize

	entries := chain.Reverse().Entries()
	ids := make([]common.TransactionID, 0, len(entries))
	committed := make([]*common.NotifyEntry, 0, len(entries))
	var logBuf []byte
	idxBuf := make([]byte, len(entries)*IndexRecordSize)
	ts := start.UnixMilli()

	for i, e := range entries {
		txid, err := s.alloc.NextID()
		if err != nil {
			s.failed.Store(true)
			return nil, fmt.Errorf("%w: %w", ErrFatal, err)
		}

		c := e.Clone()
		c.ID = txid
		c.CommitTS = ts

		data, sum, err := encodeRecord(c, i, len(entries), s.opts.CompressBodyOver)
		if err != nil {
			return nil, s.rollback(prevLast, prevLog, prevIdx, err)
		}

		IndexRecord{
			ID:       txid,
			Offset:   uint64(prevLog) + uint64(len(logBuf)),
			Length:   uint64(len(data)),
			Checksum: sum,
		}.put(idxBuf[i*IndexRecordSize:])

		logBuf = append(logBuf, data...)
		ids = append(ids, txid)
		committed = append(committed, c)
	}

	if _, err := s.logFile.Write(logBuf); err != nil {
		return nil, s.rollback(prevLast, prevLog, prevIdx, fmt.Errorf("write log: %w", err))
	}
	if err := s.logFile.Sync(); err != nil {
		return nil, s.rollback(prevLast, prevLog, prevIdx, fmt.Errorf("sync log: %w", err))
	}
	if s.beforeIndexWrite != nil {
		if err := s.beforeIndexWrite(); err != nil {
			return nil, s.rollback(prevLast, prevLog, prevIdx, err)
		}
	}
	if _, err := s.idxFile.Write(idxBuf); err != nil {
		return nil, s.rollback(prevLast, prevLog, prevIdx, fmt.Errorf("write index: %w", err))
	}
	if err := s.idxFile.Sync(); err != nil {
		return nil, s.rollback(prevLast, prevLog, prevIdx, fmt.Errorf("sync index: %w", err))
	}

	s.logSize += int64(len(logBuf))
	s.idxSize += int64(len(idxBuf))
	s.committedLog.Store(s.logSize)
	s.committed.Store(s.idxSize)

	if s.cache != nil {
		for _, c := range committed {
			s.cache.Add(c.ID, c)
		}
	}

	telemetry.AppendDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.TransactionsCommittedTotal.Add(float64(len(ids)))
	telemetry.ChainsCommittedTotal.Inc()
	telemetry.LastTransactionID.Set(float64(ids[len(ids)-1]))

	log.Debug().
		Uint64("first_id", uint64(ids[0])).
		Int("entries", len(ids)).
		Str("dn", committed[0].DN).
		Msg("Committed transaction")
	return ids, nil
}

// rollback undoes a partial append. Must hold s.mu.
func (s *Store) rollback(prevLast common.TransactionID, prevLog, prevIdx int64, cause error) error {
	telemetry.AppendFailuresTotal.Inc()

	var rbErr error
	if err := s.logFile.Truncate(prevLog); err != nil {
		rbErr = errors.Join(rbErr, fmt.Errorf("truncate log: %w", err))
	}
	if err := s.idxFile.Truncate(prevIdx); err != nil {
		rbErr = errors.Join(rbErr, fmt.Errorf("truncate index: %w", err))
	}
	if err := s.alloc.Reset(prevLast); err != nil {
		rbErr = errors.Join(rbErr, err)
	}

	if rbErr != nil {
		s.failed.Store(true)
		log.Error().Err(cause).AnErr("rollback", rbErr).Msg("Transaction log rollback failed")
		return fmt.Errorf("%w: %w (rollback: %v)", ErrFatal, cause, rbErr)
	}

	log.Warn().Err(cause).Uint64("last_id", uint64(prevLast)).Msg("Append rolled back")
	return fmt.Errorf("%w: %w", ErrAppendFailed, cause)
}

// indexSize returns the number of index bytes readers may look at.
func (s *Store) indexSize() (int64, error) {
	if !s.readOnly {
		return s.committed.Load(), nil
	}
	info, err := s.idxReader.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat transaction index: %w", err)
	}
	// a concurrent writer may have a record half written
	return info.Size() - info.Size()%IndexRecordSize, nil
}

// baseID returns the id of the first index record, 0 if not yet known.
func (s *Store) baseID(size int64) (common.TransactionID, error) {
	if b := s.base.Load(); b != 0 {
		return common.TransactionID(b), nil
	}
	if size < IndexRecordSize {
		return 0, nil
	}
	first, err := readIndexRecord(s.idxReader, 0)
	if err != nil {
		return 0, err
	}
	s.base.Store(uint64(first.ID))
	return first.ID, nil
}

// bounds returns base and high-water mark as currently committed.
func (s *Store) bounds() (base, last common.TransactionID, err error) {
	if s.closed.Load() {
		return 0, 0, ErrClosed
	}
	size, err := s.indexSize()
	if err != nil {
		return 0, 0, err
	}
	base, err = s.baseID(size)
	if err != nil {
		return 0, 0, err
	}
	return base, lastIDFor(base, size), nil
}

// LastID returns the highest committed id, 0 when the log is empty.
func (s *Store) LastID() common.TransactionID {
	_, last, err := s.bounds()
	if err != nil {
		log.Warn().Err(err).Msg("Unable to determine last transaction id")
		return 0
	}
	return last
}

// BaseID returns the id of the oldest transaction still in the index.
func (s *Store) BaseID() common.TransactionID {
	base, _, _ := s.bounds()
	return base
}

// Read returns the entry committed under txid. The returned entry is a copy
// the caller may modify.
func (s *Store) Read(txid common.TransactionID) (*common.NotifyEntry, error) {
	base, last, err := s.bounds()
	if err != nil {
		return nil, err
	}
	if txid == 0 || last == 0 || txid < base || txid > last {
		return nil, fmt.Errorf("%w: id %d (base %d, last %d)", ErrNotFound, txid, base, last)
	}

	if s.cache != nil {
		if e, ok := s.cache.Get(txid); ok {
			telemetry.EntryCacheLookupsTotal.With("hit").Inc()
			return e.Clone(), nil
		}
		telemetry.EntryCacheLookupsTotal.With("miss").Inc()
	}

	ir, err := readIndexRecord(s.idxReader, int64(txid-base))
	if err != nil {
		return nil, err
	}
	if ir.ID != txid {
		return nil, fmt.Errorf("%w: slot for id %d holds id %d", ErrCorruptIndex, txid, ir.ID)
	}

	logSize, err := s.logSizeForRead()
	if err != nil {
		return nil, err
	}
	data, err := s.readLogBytes(ir, logSize)
	if err != nil {
		return nil, err
	}

	e, err := decodeRecord(data, ir)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Add(txid, e)
	}
	return e.Clone(), nil
}

// logSizeForRead returns the log size record bounds are checked against.
func (s *Store) logSizeForRead() (int64, error) {
	if !s.readOnly {
		return s.committedLog.Load(), nil
	}
	info, err := s.logReader.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat transaction log: %w", err)
	}
	return info.Size(), nil
}

// readLogBytes reads the log bytes ir points to, refusing records that do
// not fit in a log of logSize bytes.
func (s *Store) readLogBytes(ir IndexRecord, logSize int64) ([]byte, error) {
	if logSize < 0 || ir.Length > uint64(logSize) || ir.Offset > uint64(logSize)-ir.Length {
		return nil, fmt.Errorf("%w: id %d spans [%d,+%d) past log end %d", ErrCorruptRecord, ir.ID, ir.Offset, ir.Length, logSize)
	}
	data := make([]byte, ir.Length)
	if _, err := s.logReader.ReadAt(data, int64(ir.Offset)); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: id %d points past log end", ErrCorruptRecord, ir.ID)
		}
		return nil, fmt.Errorf("read log at %d: %w", ir.Offset, err)
	}
	return data, nil
}

// ReadSince yields the entries with an id greater than lastKnown in
// ascending order. The index is re-examined before every step, so entries
// committed while iterating are included. Iteration ends once it catches up;
// it never waits for new commits. A lastKnown of 0 starts at the base id.
func (s *Store) ReadSince(lastKnown common.TransactionID) iter.Seq2[*common.NotifyEntry, error] {
	return func(yield func(*common.NotifyEntry, error) bool) {
		next := lastKnown + 1
		for {
			base, last, err := s.bounds()
			if err != nil {
				yield(nil, err)
				return
			}
			if last == 0 || next > last {
				return
			}
			if next < base {
				if lastKnown != 0 {
					yield(nil, fmt.Errorf("%w: id %d is below base %d", ErrNotFound, next, base))
					return
				}
				next = base
			}

			e, err := s.Read(next)
			if !yield(e, err) || err != nil {
				return
			}
			next++
		}
	}
}

// FileSizes returns the current sizes of the log and index files.
func (s *Store) FileSizes() (logBytes, indexBytes int64, err error) {
	li, err := s.logReader.Stat()
	if err != nil {
		return 0, 0, err
	}
	ii, err := s.idxReader.Stat()
	if err != nil {
		return 0, 0, err
	}
	return li.Size(), ii.Size(), nil
}

// LastTransactionID is LastID as a plain integer, for the metrics collector.
func (s *Store) LastTransactionID() uint64 {
	return uint64(s.LastID())
}

// Failed reports whether the store has refused further appends.
func (s *Store) Failed() bool {
	return s.failed.Load()
}

// Close releases the file handles. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.closeFiles()
}

func (s *Store) closeFiles() error {
	var err error
	for _, f := range []*os.File{s.logFile, s.idxFile, s.logReader, s.idxReader} {
		if f != nil {
			err = errors.Join(err, f.Close())
		}
	}
	return err
}
