// Package south implements the south ingest engine (C4): the buffered
// queue that accumulates readings handed in by a south plugin's
// callback (or poll loop) and periodically drains them into the
// filter pipeline or storage, coalescing statistics and tracking new
// assets along the way.
package south

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// Appender is the terminal write path: either storage.Buffer.Append
// directly, or a filter.Pipeline's sink wired to the same.
type Appender interface {
	Append(ctx context.Context, batch []*reading.Reading) (int, error)
}

// Emitter is satisfied by *filter.Pipeline; south hands batches to
// Ingest and does not see their outcome: failures are handled by the
// pipeline's own terminal sink.
type Emitter interface {
	Ingest(set *reading.Set)
}

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// Config bounds the engine's buffering behaviour, per §4.4.
type Config struct {
	ServiceName  string
	PluginName   string
	Threshold    int
	MaxIdle      time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	StatsPeriod  time.Duration
}

// Engine buffers readings handed in by a south plugin and drains them
// on a threshold-or-timeout schedule into either a filter pipeline or
// directly into storage.
type Engine struct {
	cfg     Config
	storage Appender
	pipe    Emitter // nil if no filter pipeline configured
	stats   *Stats
	tracker *AssetTracker

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*reading.Reading

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	backoff time.Duration
}

// NewEngine creates an engine that drains into pipe when non-nil,
// otherwise directly into storage.
func NewEngine(cfg Config, storage Appender, pipe Emitter, stats *Stats, tracker *AssetTracker) *Engine {
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	e := &Engine{
		cfg:     cfg,
		storage: storage,
		pipe:    pipe,
		stats:   stats,
		tracker: tracker,
		stopCh:  make(chan struct{}),
		backoff: cfg.MinBackoff,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Ingest appends r to the pending queue, waking the worker immediately
// if the queue has reached Threshold.
func (e *Engine) Ingest(ctx context.Context, asset string, r *reading.Reading) {
	e.mu.Lock()
	e.queue = append(e.queue, r)
	reached := e.cfg.Threshold > 0 && len(e.queue) >= e.cfg.Threshold
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.Track(ctx, e.cfg.ServiceName, e.cfg.PluginName, asset, EventIngest)
	}
	if reached {
		e.cond.Signal()
	}
}

// Run drives the worker loop until Stop is called. It must run in its
// own goroutine.
func (e *Engine) Run(ctx context.Context) {
	e.running.Store(true)
	e.wg.Add(1)
	defer e.wg.Done()
	defer e.running.Store(false)

	go e.waitForStop(ctx)

	for {
		batch := e.waitForBatch()
		if batch == nil {
			return
		}
		e.drain(ctx, batch)
	}
}

// waitForStop wakes the condvar-waiting worker when the context is
// cancelled or Stop is called, since sync.Cond has no select-style
// cancellation.
func (e *Engine) waitForStop(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-e.stopCh:
	}
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// waitForBatch blocks until Threshold readings are queued or MaxIdle
// elapses, then atomically swaps out the queue. Returns nil once
// stopped with an empty queue.
func (e *Engine) waitForBatch() []*reading.Reading {
	timer := time.AfterFunc(e.cfg.MaxIdle, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && !e.stopped() {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return nil
	}
	batch := e.queue
	e.queue = nil
	return batch
}

// drain hands batch to the configured sink. On success, statistics are
// updated and the backoff resets (asset tracking happens in Ingest). On failure the
// batch is requeued at the head and retried after an exponential
// backoff bounded at MaxBackoff (§4.4, §8 scenario 4).
func (e *Engine) drain(ctx context.Context, batch []*reading.Reading) {
	var err error
	if e.pipe != nil {
		e.pipe.Ingest(reading.NewSet(batch))
	} else {
		_, err = e.storage.Append(ctx, batch)
	}

	if err != nil {
		e.requeueHead(batch)
		e.sleepBackoff(ctx)
		return
	}

	e.backoff = e.cfg.MinBackoff
	if e.stats != nil {
		byAsset := make(map[string]int64)
		for _, r := range batch {
			byAsset[r.Asset]++
		}
		for asset, n := range byAsset {
			e.stats.IngestedAsset(asset, n)
		}
	}
}

func (e *Engine) requeueHead(batch []*reading.Reading) {
	e.mu.Lock()
	e.queue = append(batch, e.queue...)
	e.mu.Unlock()
}

func (e *Engine) sleepBackoff(ctx context.Context) {
	select {
	case <-time.After(e.backoff):
	case <-ctx.Done():
		return
	}
	e.backoff *= 2
	if e.backoff > e.cfg.MaxBackoff {
		e.backoff = e.cfg.MaxBackoff
	}
}

// Stop signals the worker to drain its remaining queue (best-effort)
// and return.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}
