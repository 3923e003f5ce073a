// Package coordinator serializes ingestion. Change notifications only mark a
// source pending; one pass at a time drains pending sources into the
// transaction log.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/replog"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/maxpert/ldapnotify/txlog"
	"github.com/maxpert/ldapnotify/watch"
	"github.com/rs/zerolog/log"
)

// passOrder is the order pending sources are handled in. The schema goes
// first so entries ingested in the same round see the new schema id.
var passOrder = []watch.SourceKind{watch.SourceSchema, watch.SourceReplog, watch.SourceListener}

const defaultRetryDelay = time.Second

// Store is the part of the transaction log the coordinator writes to.
type Store interface {
	Append(chain *common.Chain) ([]common.TransactionID, error)
	LastID() common.TransactionID
}

// Ingestor drains one source. *replog.Ingestor implements it.
type Ingestor interface {
	Drain() (*replog.DrainResult, error)
	Commit(b replog.Batch) error
	CommitSkipped(res *replog.DrainResult) error
}

// SchemaTracker refreshes the schema id.
type SchemaTracker interface {
	Refresh() (bool, error)
}

// Signaler is told about every commit.
type Signaler interface {
	Signal(source string, lastID common.TransactionID)
}

// Options wires the coordinator. Schema and Hub may be nil.
type Options struct {
	Store      Store
	Ingestors  map[watch.SourceKind]Ingestor
	Schema     SchemaTracker
	Hub        Signaler
	RetryDelay time.Duration // wait before retrying a failed pass
}

// Stats is a snapshot for operators.
type Stats struct {
	Passes      uint64
	Failures    uint64
	Coalesced   uint64
	Committed   uint64
	Skipped     uint64
	LastPassAt  time.Time
	Pending     []string
	Running     bool
	FatalReason string
}

// IngestCoordinator runs ingestion passes one at a time.
type IngestCoordinator struct {
	opts Options

	passMu sync.Mutex // held for the duration of a pass

	mu      sync.Mutex
	pending map[watch.SourceKind]bool
	fatal   error
	stats   Stats

	wake chan struct{}
}

// New creates a coordinator.
func New(opts Options) *IngestCoordinator {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	return &IngestCoordinator{
		opts:    opts,
		pending: make(map[watch.SourceKind]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Request marks kind pending and wakes Run. It never blocks, so it is safe to
// call from file watcher callbacks. A request for a source that is already
// pending is folded into that pass.
func (c *IngestCoordinator) Request(kind watch.SourceKind) {
	c.mu.Lock()
	if c.pending[kind] {
		c.stats.Coalesced++
		telemetry.IngestRequestsCoalescedTotal.Inc()
	}
	c.pending[kind] = true
	c.mu.Unlock()

	c.poke()
}

func (c *IngestCoordinator) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takePending returns the pending sources in pass order and clears them.
func (c *IngestCoordinator) takePending() []watch.SourceKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	var kinds []watch.SourceKind
	for _, kind := range passOrder {
		if c.pending[kind] {
			kinds = append(kinds, kind)
			delete(c.pending, kind)
		}
	}
	return kinds
}

// Run handles requests until ctx is done or a fatal error occurs. A pass in
// progress when ctx is cancelled stops after the chain it is committing.
func (c *IngestCoordinator) Run(ctx context.Context) error {
	c.setRunning(true)
	defer c.setRunning(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		}

		for _, kind := range c.takePending() {
			err := c.RunPass(ctx, kind)
			if err == nil {
				continue
			}

			var fatal *FatalError
			if errors.As(err, &fatal) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}

			// leave the source pending and come back later
			c.mu.Lock()
			c.pending[kind] = true
			c.mu.Unlock()
			time.AfterFunc(c.opts.RetryDelay, c.poke)
		}
	}
}

// RunPass runs one pass over kind synchronously.
func (c *IngestCoordinator) RunPass(ctx context.Context, kind watch.SourceKind) (err error) {
	c.passMu.Lock()
	defer c.passMu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		result := "ok"
		var fatal *FatalError
		switch {
		case errors.As(err, &fatal):
			result = "fatal"
		case err != nil:
			result = "failed"
		}
		telemetry.IngestPassesTotal.With(string(kind), result).Inc()
		telemetry.IngestPassDurationSeconds.With(string(kind)).Observe(time.Since(start).Seconds())

		c.mu.Lock()
		c.stats.Passes++
		c.stats.LastPassAt = start
		if err != nil && fatal == nil {
			c.stats.Failures++
		}
		c.mu.Unlock()
	}()

	if kind == watch.SourceSchema {
		return c.schemaPass()
	}

	in, ok := c.opts.Ingestors[kind]
	if !ok {
		return nil
	}

	res, err := in.Drain()
	if err != nil {
		log.Warn().Err(err).Str("source", string(kind)).Msg("Unable to read source")
		return &PassError{Source: kind, Err: err}
	}

	var committed int
	for _, b := range res.Batches {
		if ctx.Err() != nil {
			log.Info().Str("source", string(kind)).Int("committed", committed).Msg("Pass interrupted by shutdown")
			return ctx.Err()
		}

		ids, err := c.opts.Store.Append(b.Chain)
		if err != nil {
			if errors.Is(err, txlog.ErrAppendFailed) {
				return &PassError{Source: kind, Err: err}
			}
			return c.fail(kind, err)
		}
		if err := in.Commit(b); err != nil {
			return c.fail(kind, err)
		}

		committed += len(ids)
		if c.opts.Hub != nil {
			c.opts.Hub.Signal(string(kind), ids[len(ids)-1])
		}
	}

	if err := in.CommitSkipped(res); err != nil {
		return c.fail(kind, err)
	}

	c.mu.Lock()
	c.stats.Committed += uint64(committed)
	c.stats.Skipped += uint64(res.Skipped)
	c.mu.Unlock()

	if committed > 0 || res.Skipped > 0 {
		log.Debug().
			Str("source", string(kind)).
			Int("committed", committed).
			Int("skipped", res.Skipped).
			Bool("held_back", res.HeldBack).
			Bool("more", res.More).
			Msg("Ingestion pass done")
	}
	if res.More {
		c.Request(kind)
	}
	return nil
}

func (c *IngestCoordinator) schemaPass() error {
	if c.opts.Schema == nil {
		return nil
	}
	changed, err := c.opts.Schema.Refresh()
	if err != nil {
		log.Warn().Err(err).Msg("Unable to refresh schema id")
		return &PassError{Source: watch.SourceSchema, Err: err}
	}
	if changed && c.opts.Hub != nil {
		c.opts.Hub.Signal(string(watch.SourceSchema), c.opts.Store.LastID())
	}
	return nil
}

func (c *IngestCoordinator) fail(kind watch.SourceKind, err error) error {
	fatal := &FatalError{Source: kind, Err: err}
	c.mu.Lock()
	c.fatal = fatal
	c.stats.FatalReason = fatal.Error()
	c.mu.Unlock()

	log.Error().Err(err).Str("source", string(kind)).Msg("Ingestion stopped")
	return fatal
}

// Err returns the fatal error that stopped ingestion, if any.
func (c *IngestCoordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Stats returns a snapshot of the coordinator counters.
func (c *IngestCoordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Pending = nil
	for _, kind := range passOrder {
		if c.pending[kind] {
			s.Pending = append(s.Pending, string(kind))
		}
	}
	return s
}

func (c *IngestCoordinator) setRunning(running bool) {
	c.mu.Lock()
	c.stats.Running = running
	c.mu.Unlock()
}
