package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/ldapnotify/cfg"
	"github.com/maxpert/ldapnotify/notify"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the publisher registry
type RegistryConfig struct {
	Reader      LogReader               // Transaction log (usually a txlog.QueryService)
	Cursors     CursorStore             // Sink cursors, keyed by sink name
	Hub         *notify.Hub             // Optional commit signals
	NodeID      uint64                  // Stamped on published events
	SinkConfigs []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all publisher workers
type Registry struct {
	config  RegistryConfig
	workers []*Worker
	cancels []func()
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a new publisher registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Reader == nil {
		return nil, fmt.Errorf("log reader is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}

	registry := &Registry{
		config:  config,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			registry.closeAll()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterDNs)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	var signals <-chan notify.CommitSignal
	cancel := func() {}
	if r.config.Hub != nil {
		signals, cancel = r.config.Hub.Subscribe(notify.Filter{})
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Reader:          r.config.Reader,
		Cursors:         r.config.Cursors,
		Signals:         signals,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		NodeID:          r.config.NodeID,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		cancel()
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	r.cancels = append(r.cancels, cancel)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added publisher sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping publisher registry")
	for _, worker := range r.workers {
		worker.Stop()
	}
	r.closeAll()
}

// Cursors returns the current cursor of every worker by sink name.
func (r *Registry) Cursors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		out[w.Name()] = uint64(w.Cursor())
	}
	return out
}

func (r *Registry) closeAll() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
	for _, worker := range r.workers {
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
