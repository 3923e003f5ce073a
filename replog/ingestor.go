package replog

import (
	"fmt"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultMaxPending bounds the source bytes a single Drain reads.
const DefaultMaxPending = 8 << 20

// Batch is one chain ready to append and the source offset that becomes
// consumed once it is committed. Raw is the source text of its records.
type Batch struct {
	Chain *common.Chain
	End   uint64
	Raw   []byte
}

// DrainResult is the outcome of one Drain.
type DrainResult struct {
	Batches []Batch

	// Skipped counts malformed records.
	Skipped int

	// End is the offset covering every record that was grouped or skipped.
	// A held back rename delete lies beyond it.
	End uint64

	// HeldBack is set when a trailing rename delete waits for its add.
	HeldBack bool

	// More is set when the source holds bytes past what this Drain read.
	More bool
}

// Ingestor reads one source and groups its records into chains.
type Ingestor struct {
	source     *Source
	format     Format
	maxPending int
	archives   []*Archive
}

// NewIngestor binds a format to a source.
func NewIngestor(source *Source, format Format) *Ingestor {
	return &Ingestor{source: source, format: format, maxPending: DefaultMaxPending}
}

// SetMaxPending bounds the bytes one Drain reads. n <= 0 reads everything.
// A record larger than n is still read whole.
func (in *Ingestor) SetMaxPending(n int) {
	in.maxPending = n
}

// AddArchive copies the raw text of every committed batch to a.
func (in *Ingestor) AddArchive(a *Archive) {
	in.archives = append(in.archives, a)
}

// Source returns the underlying source.
func (in *Ingestor) Source() *Source {
	return in.source
}

// Drain returns the chains for every complete, unconsumed record, in source
// order. Nothing is marked consumed; the caller commits each batch after
// it was appended.
//
// A rename delete immediately followed by an add becomes one two entry
// chain. A rename delete followed by anything else is a plain delete. A
// rename delete that is the last complete record is held back until the
// next record shows up.
//
// At most maxPending bytes are read; More tells the caller to drain again.
func (in *Ingestor) Drain() (*DrainResult, error) {
	limit := in.maxPending
	for {
		data, start, more, err := in.source.ReadPending(limit)
		if err != nil {
			return nil, err
		}
		res, err := in.group(data, start)
		if err != nil {
			return nil, err
		}
		res.More = more
		if !more || len(res.Batches) > 0 || res.Skipped > 0 {
			return res, nil
		}
		// nothing complete fits the window
		limit *= 2
	}
}

func (in *Ingestor) group(data []byte, start uint64) (*DrainResult, error) {
	var err error
	res := &DrainResult{End: start}
	recs := in.parse(data, start)

	for i := 0; i < len(recs); i++ {
		r := recs[i]
		if r.Err != nil {
			res.Skipped++
			res.End = r.End
			telemetry.IngestMalformedRecordsTotal.With(in.source.Name()).Inc()
			log.Warn().
				Err(r.Err).
				Str("source", in.source.Name()).
				Uint64("offset", r.Start).
				Msg("Skipping malformed record")
			continue
		}

		var chain *common.Chain
		end := r.End

		switch {
		case r.ModRDN:
			superior := r.NewSuperior
			if superior == "" {
				_, superior = splitDN(r.DN)
			}
			chain, err = renameChain(r.DN, joinDN(r.NewRDN, superior), r.NewRDN, superior, r.DeleteOldRDN, nil)

		case r.Rename:
			if i+1 == len(recs) {
				res.HeldBack = true
				log.Debug().Str("source", in.source.Name()).Str("dn", r.DN).Msg("Holding back rename until its add arrives")
				return res, nil
			}
			next := recs[i+1]
			if next.Err == nil && next.Command == common.CommandAdd && !next.Rename && !next.ModRDN {
				rdn, parent := splitDN(next.DN)
				chain, err = renameChain(r.DN, next.DN, rdn, parent, true, next.Body)
				end = next.End
				i++
			} else {
				log.Warn().Str("source", in.source.Name()).Str("dn", r.DN).Msg("Rename without matching add, committing as delete")
				chain, err = common.NewChain(&common.NotifyEntry{DN: r.DN, Command: common.CommandDelete})
			}

		default:
			chain, err = common.NewChain(&common.NotifyEntry{DN: r.DN, Command: r.Command, Body: r.Body})
		}
		if err != nil {
			return nil, err
		}

		res.Batches = append(res.Batches, Batch{Chain: chain, End: end, Raw: data[r.Start-start : end-start]})
		res.End = end
	}
	return res, nil
}

func (in *Ingestor) parse(data []byte, start uint64) []Record {
	var recs []Record
	pos := 0
	for pos < len(data) {
		rec, n, err := in.format.Next(data[pos:])
		if n == 0 {
			break
		}
		rec.Start = start + uint64(pos)
		rec.End = start + uint64(pos+n)
		rec.Err = err
		recs = append(recs, rec)
		pos += n
	}
	return recs
}

// renameChain builds the delete+add pair of a rename.
func renameChain(oldDN, newDN, newRDN, newSuperior string, deleteOld bool, body []byte) (*common.Chain, error) {
	del := &common.NotifyEntry{
		DN:           oldDN,
		Command:      common.CommandDelete,
		NewRDN:       newRDN,
		NewSuperior:  newSuperior,
		DeleteOldRDN: deleteOld,
	}
	add := &common.NotifyEntry{
		DN:           newDN,
		Command:      common.CommandAdd,
		NewRDN:       newRDN,
		NewSuperior:  newSuperior,
		DeleteOldRDN: deleteOld,
		Body:         body,
	}
	return common.NewChain(del, add)
}

// Commit copies b to the archives and marks its records consumed. Call only
// after b was appended.
func (in *Ingestor) Commit(b Batch) error {
	for _, a := range in.archives {
		if err := a.Write(b.Raw); err != nil {
			return fmt.Errorf("%s: %w", in.format.Name(), err)
		}
	}
	return in.commitTo(b.End)
}

// CommitSkipped consumes malformed records that no later batch covers.
func (in *Ingestor) CommitSkipped(res *DrainResult) error {
	return in.commitTo(res.End)
}

func (in *Ingestor) commitTo(end uint64) error {
	if end <= in.source.Offset() {
		return nil
	}
	if err := in.source.Commit(end); err != nil {
		return fmt.Errorf("%s: %w", in.format.Name(), err)
	}
	return nil
}
