// Package filter implements the in-service filter pipeline (C3): an
// ordered chain of filter plugin instances that can be reconfigured
// without losing in-flight readings. Modeled after the teacher's
// emitter-chain-via-closure style rather than void-pointer callbacks
// (spec §9's "re-express as an object with a virtual emit method").
package filter

import (
	"fmt"
	"sync"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// Emitter is the next stage in a chain: a filter's plugin_ingest calls
// Emit to hand a (possibly transformed) Set downstream.
type Emitter interface {
	Emit(set *reading.Set)
}

// EmitFunc adapts a function to an Emitter.
type EmitFunc func(set *reading.Set)

func (f EmitFunc) Emit(set *reading.Set) { f(set) }

// Filter is the contract a filter plugin instance implements once
// loaded and initialized. Ingest must not block indefinitely; a filter
// that buffers for aggregation must drain on Flush or Shutdown.
type Filter interface {
	Name() string
	Ingest(set *reading.Set)
	Flush()
	Shutdown() (savedState string, persist bool)
}

// Factory builds one filter instance bound to next, the emitter it
// should call from Ingest. config is the filter's own category config;
// savedState is the previously persisted shutdown_save_data string, or
// empty if none exists.
type Factory func(category string, config map[string]interface{}, savedState string, next Emitter) (Filter, error)

// StateStore persists and loads opaque per-filter state, keyed by
// serviceName+filterName as described in §4.3.
type StateStore interface {
	Load(key string) (string, bool, error)
	Save(key string, value string) error
}

// ConfigSource fetches a filter's own category config, and creates the
// child category row under the parent service category on first build.
type ConfigSource interface {
	FilterConfig(serviceName, filterCategory string) (map[string]interface{}, error)
}

// Descriptor names one filter stage: its category name, and which
// registered factory builds it (the plugin name).
type Descriptor struct {
	Category   string
	PluginName string
}

// Pipeline is an ordered, swappable chain of filter instances.
type Pipeline struct {
	serviceName string
	registry    map[string]Factory
	states      StateStore
	configs     ConfigSource
	sink        Emitter

	mu      sync.Mutex
	stages  []Filter
	descr   []Descriptor
}

// New creates an empty pipeline terminating at sink.
func New(serviceName string, registry map[string]Factory, states StateStore, configs ConfigSource, sink Emitter) *Pipeline {
	return &Pipeline{
		serviceName: serviceName,
		registry:    registry,
		states:      states,
		configs:     configs,
		sink:        sink,
	}
}

// Ingest delivers set to the head of the currently running pipeline (or
// directly to the sink if the pipeline is empty), exactly once.
func (p *Pipeline) Ingest(set *reading.Set) {
	p.mu.Lock()
	stages := p.stages
	sink := p.sink
	p.mu.Unlock()

	if len(stages) == 0 {
		sink.Emit(set)
		return
	}
	stages[0].Ingest(set)
}

// Flush drains any filter that buffers for aggregation.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	stages := p.stages
	p.mu.Unlock()
	for _, f := range stages {
		f.Flush()
	}
}

// Reconfigure compares descriptors against the running pipeline. If
// equal, it is a no-op (category changes for already-running filters
// are forwarded by the caller directly to those filters' own
// categories, not rebuilt here). If different, a new pipeline is built
// to completion before anything is swapped in; a partial failure
// aborts the build and the previous pipeline keeps running untouched.
func (p *Pipeline) Reconfigure(descriptors []Descriptor) error {
	p.mu.Lock()
	unchanged := sameDescriptors(p.descr, descriptors)
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	built, err := p.build(descriptors)
	if err != nil {
		return fmt.Errorf("filter: pipeline build aborted, previous pipeline unchanged: %w", err)
	}

	p.mu.Lock()
	old := p.stages
	p.stages = built
	p.descr = append([]Descriptor(nil), descriptors...)
	p.mu.Unlock()

	go p.shutdownStages(old)
	return nil
}

func (p *Pipeline) build(descriptors []Descriptor) ([]Filter, error) {
	stages := make([]Filter, len(descriptors))
	var next Emitter = p.sink

	// Filters are chained tail-first: the last filter's emit goes to the
	// pipeline sink, each earlier filter's emit goes to the next filter's
	// Ingest.
	for i := len(descriptors) - 1; i >= 0; i-- {
		d := descriptors[i]
		factory, ok := p.registry[d.PluginName]
		if !ok {
			return nil, fmt.Errorf("filter: plugin %q not registered", d.PluginName)
		}

		cfg, err := p.configs.FilterConfig(p.serviceName, d.Category)
		if err != nil {
			return nil, fmt.Errorf("filter: config for %q: %w", d.Category, err)
		}

		key := p.serviceName + d.Category
		saved, _, err := p.states.Load(key)
		if err != nil {
			return nil, fmt.Errorf("filter: load state for %q: %w", d.Category, err)
		}

		f, err := factory(d.Category, cfg, saved, next)
		if err != nil {
			return nil, fmt.Errorf("filter: init %q: %w", d.Category, err)
		}

		stages[i] = f
		next = ingestEmitter{f}
	}
	return stages, nil
}

type ingestEmitter struct{ f Filter }

func (e ingestEmitter) Emit(set *reading.Set) { e.f.Ingest(set) }

func (p *Pipeline) shutdownStages(stages []Filter) {
	for i := len(stages) - 1; i >= 0; i-- {
		f := stages[i]
		saved, persist := f.Shutdown()
		if persist {
			key := p.serviceName + f.Name()
			_ = p.states.Save(key, saved)
		}
	}
}

func sameDescriptors(a, b []Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
