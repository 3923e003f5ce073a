package publisher

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/ldapnotify/common"
	"github.com/maxpert/ldapnotify/notify"
	"github.com/maxpert/ldapnotify/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of entries published per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when no commit signal arrives
	DefaultPollInterval = time.Second
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the batch is abandoned and retried later
	DefaultMaxRetries = 100
)

var errWorkerStopped = errors.New("worker stopped")

// LogReader is the read side of the transaction log.
type LogReader interface {
	LastID() common.TransactionID
	ReadSince(lastKnown common.TransactionID) iter.Seq2[*common.NotifyEntry, error]
}

// CursorStore persists the last published id per sink.
type CursorStore interface {
	Get(name string) uint64
	Set(name string, value uint64) error
}

// WorkerConfig configures a publisher worker
type WorkerConfig struct {
	Name            string                     // Sink name (for cursor tracking)
	Reader          LogReader                  // Transaction log to tail
	Cursors         CursorStore                // Where the sink cursor lives
	Signals         <-chan notify.CommitSignal // Optional commit signals, nil means poll only
	Sink            Sink                       // Destination sink
	Transformer     Transformer                // Event transformer
	Filter          Filter                     // Event filter
	NodeID          uint64                     // Stamped on every event
	TopicPrefix     string                     // Topic prefix (e.g., "ldap.changes")
	BatchSize       int                        // Entries per poll cycle
	PollInterval    time.Duration              // Poll interval
	RetryInitial    time.Duration              // Initial retry delay
	RetryMax        time.Duration              // Max retry delay
	RetryMultiplier float64                    // Backoff multiplier
	MaxRetries      int                        // Maximum retry attempts per publish
}

// Worker tails the transaction log and publishes entries to a sink
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64 // Last published (or skipped) id
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Reader == nil {
		return nil, fmt.Errorf("log reader is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	// A zero cursor starts at the first entry the log still has.
	w.cursor.Store(config.Cursors.Get(config.Name))
	return w, nil
}

// Name returns the sink name.
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the id of the last entry handled by the worker.
func (w *Worker) Cursor() common.TransactionID {
	return common.TransactionID(w.cursor.Load())
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting publisher worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Publisher worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	signals := w.config.Signals
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		n, err := w.publishBatch()
		if errors.Is(err, errWorkerStopped) {
			return
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor.Load()).
				Msg("Publish batch failed")
			if !w.sleep(w.config.RetryMax) {
				return
			}
			continue
		}
		if n == w.config.BatchSize {
			continue
		}

		lag := uint64(w.config.Reader.LastID()) - min(w.cursor.Load(), uint64(w.config.Reader.LastID()))
		telemetry.PublisherLagTxns.With(w.config.Name).Set(float64(lag))

		if !w.wait(&signals) {
			return
		}
	}
}

// publishBatch handles up to BatchSize entries past the cursor.
func (w *Worker) publishBatch() (int, error) {
	n := 0
	for e, err := range w.config.Reader.ReadSince(w.Cursor()) {
		if err != nil {
			return n, fmt.Errorf("read after %d: %w", w.cursor.Load(), err)
		}
		if err := w.processEntry(e); err != nil {
			return n, err
		}
		n++
		if n >= w.config.BatchSize {
			break
		}
	}
	return n, nil
}

// processEntry publishes one entry and then advances the cursor.
// Filtered entries advance the cursor without publishing.
func (w *Worker) processEntry(e *common.NotifyEntry) error {
	if !w.config.Filter.Match(e.DN) {
		telemetry.PublisherEventsTotal.With(w.config.Name, "filtered").Inc()
		w.advance(e.ID)
		return nil
	}

	event := EventFromEntry(e, w.config.NodeID)
	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		telemetry.PublisherEventsTotal.With(w.config.Name, "failed").Inc()
		return fmt.Errorf("failed to transform entry %d: %w", e.ID, err)
	}

	topic := w.buildTopic()
	if err := w.publishWithRetry(topic, e.DN, data); err != nil {
		return err
	}

	// Compacted topics drop the DN once its delete is followed by a tombstone
	if e.Command == common.CommandDelete && !e.IsRename() {
		if err := w.publishWithRetry(topic, e.DN, w.config.Transformer.Tombstone(e.DN)); err != nil {
			return err
		}
	}

	telemetry.PublisherEventsTotal.With(w.config.Name, "published").Inc()
	w.advance(e.ID)
	return nil
}

func (w *Worker) advance(id common.TransactionID) {
	w.cursor.Store(uint64(id))
	if err := w.config.Cursors.Set(w.config.Name, uint64(id)); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("txid", uint64(id)).
			Msg("Failed to persist sink cursor - entry may be redelivered")
	}
}

func (w *Worker) buildTopic() string {
	if w.config.TopicPrefix == "" {
		return "ldapnotify"
	}
	return w.config.TopicPrefix
}

// publishWithRetry publishes data with exponential backoff retry
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		err := w.config.Sink.Publish(topic, key, data)
		telemetry.PublisherLatencySeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}

		attempts++
		telemetry.PublisherEventsTotal.With(w.config.Name, "retried").Inc()
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errWorkerStopped
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// wait blocks until a commit signal, the poll interval or stop.
// Returns false when stopped.
func (w *Worker) wait(signals *<-chan notify.CommitSignal) bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	case _, ok := <-*signals:
		if !ok {
			*signals = nil
		}
		return true
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
