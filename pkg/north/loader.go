// Package north implements the north data loader (C7): a producer
// goroutine that fetches batches from storage by cursor and a consumer
// goroutine that hands them to the OMF transmit engine, coordinated
// through a fixed-size ring buffer guarded by two condition variables,
// mirroring the teacher's producer/consumer pool pattern.
package north

import (
	"context"
	"sync"
	"time"

	"github.com/edgeflow/pipeline/pkg/cursor"
	"github.com/edgeflow/pipeline/pkg/reading"
)

// DataBufferElms is the default ring size, per §4.7.
const DataBufferElms = 10

// Source is the storage-side fetch surface for one source mode.
type Source interface {
	Fetch(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error)
}

// SourceMode names which storage query shape to use, per §4.7.
type SourceMode string

const (
	SourceReadings   SourceMode = "readings"
	SourceStatistics SourceMode = "statistics"
	SourceAudit      SourceMode = "audit"
)

// Sender is C8's send entry point.
type Sender interface {
	Send(ctx context.Context, set *reading.Set) error
}

// Pipeline is satisfied by *filter.Pipeline run in the north direction.
type Pipeline interface {
	Ingest(set *reading.Set)
}

// Config bounds the loader's behaviour.
type Config struct {
	StreamID      uint32
	StreamDesc    string
	Source        SourceMode
	BlockSize     int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	CursorFlushEvery int
}

// Loader runs the producer/consumer pair for one north stream.
type Loader struct {
	cfg     Config
	fetcher Source
	sender  Sender
	pipe    Pipeline // optional north-side filter pipeline
	cursors *cursor.Store

	mu        sync.Mutex
	notFull   *sync.Cond
	notEmpty  *sync.Cond
	ring      []*reading.Set
	lastFetched uint64

	lastObject   uint64
	dirtyUpdates int

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewLoader(cfg Config, fetcher Source, sender Sender, pipe Pipeline, cursors *cursor.Store) *Loader {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 1000
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.CursorFlushEvery == 0 {
		cfg.CursorFlushEvery = 10
	}
	l := &Loader{
		cfg:     cfg,
		fetcher: fetcher,
		sender:  sender,
		pipe:    pipe,
		cursors: cursors,
		stopCh:  make(chan struct{}),
	}
	l.notFull = sync.NewCond(&l.mu)
	l.notEmpty = sync.NewCond(&l.mu)
	return l
}

// Start reads the persisted cursor (creating the stream row if
// missing) and launches the producer and consumer goroutines.
func (l *Loader) Start(ctx context.Context) error {
	var streamID = l.cfg.StreamID
	if streamID == 0 {
		id, err := l.cursors.Create(ctx, l.cfg.StreamDesc)
		if err != nil {
			return err
		}
		streamID = id
		l.cfg.StreamID = id
	}
	lastObject, ok, err := l.cursors.Load(ctx, streamID)
	if err != nil {
		return err
	}
	if !ok {
		id, err := l.cursors.Create(ctx, l.cfg.StreamDesc)
		if err != nil {
			return err
		}
		l.cfg.StreamID = id
		if lastObject, _, err = l.cursors.Load(ctx, id); err != nil {
			return err
		}
	}
	l.lastObject = lastObject
	l.lastFetched = lastObject

	l.running = true
	l.wg.Add(2)
	go l.produce(ctx)
	go l.consume(ctx)
	return nil
}

func (l *Loader) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// produce fetches the next batch by source mode and pushes it into the
// ring, running a north-side filter pipeline first if configured.
func (l *Loader) produce(ctx context.Context) {
	defer l.wg.Done()
	backoff := l.cfg.MinBackoff

	for {
		l.mu.Lock()
		for len(l.ring) >= DataBufferElms && !l.stopped() {
			l.notFull.Wait()
		}
		if l.stopped() {
			l.mu.Unlock()
			return
		}
		afterID := l.lastFetched
		l.mu.Unlock()

		set, err := l.fetcher.Fetch(ctx, afterID, l.cfg.BlockSize)
		if err != nil || set == nil || set.Len() == 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			}
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
			continue
		}
		backoff = l.cfg.MinBackoff

		l.mu.Lock()
		l.lastFetched = set.LastID
		l.mu.Unlock()

		if l.pipe != nil {
			l.pipe.Ingest(set)
			continue
		}
		l.enqueue(set)
	}
}

// enqueue is also the terminal Emitter a north-side filter pipeline's
// sink calls into, per §4.7 ("the pipeline's sink enqueues the
// possibly-transformed batch into the ring").
func (l *Loader) Emit(set *reading.Set) { l.enqueue(set) }

func (l *Loader) enqueue(set *reading.Set) {
	l.mu.Lock()
	l.ring = append(l.ring, set)
	l.notEmpty.Signal()
	l.mu.Unlock()
}

// consume waits for a non-empty ring slot, hands the batch to C8, and
// on success advances the in-memory cursor; on failure the batch is
// dropped and the cursor does not advance, per §4.7.
func (l *Loader) consume(ctx context.Context) {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		for len(l.ring) == 0 && !l.stopped() {
			l.notEmpty.Wait()
		}
		if len(l.ring) == 0 && l.stopped() {
			l.mu.Unlock()
			return
		}
		set := l.ring[0]
		l.ring = l.ring[1:]
		l.notFull.Signal()
		l.mu.Unlock()

		if err := l.sender.Send(ctx, set); err != nil {
			continue
		}

		l.mu.Lock()
		if set.LastID > l.lastObject {
			l.lastObject = set.LastID
		}
		l.dirtyUpdates++
		dirty := l.dirtyUpdates >= l.cfg.CursorFlushEvery
		lastObject := l.lastObject
		if dirty {
			l.dirtyUpdates = 0
		}
		l.mu.Unlock()

		if dirty {
			_ = l.cursors.Flush(ctx, l.cfg.StreamID, lastObject)
		}
	}
}

// SetSourceMode changes the active source mode at runtime, resetting
// last_fetched but not the persisted cursor, per §4.7.
func (l *Loader) SetSourceMode(mode SourceMode) {
	l.mu.Lock()
	l.cfg.Source = mode
	l.lastFetched = l.lastObject
	l.mu.Unlock()
}

// Stop signals both goroutines, drains the ring, and flushes the
// cursor, per §4.7's shutdown description.
func (l *Loader) Stop(ctx context.Context) {
	l.mu.Lock()
	close(l.stopCh)
	l.notFull.Broadcast()
	l.notEmpty.Broadcast()
	l.mu.Unlock()

	l.wg.Wait()

	l.mu.Lock()
	lastObject := l.lastObject
	l.ring = nil
	l.mu.Unlock()
	_ = l.cursors.Flush(ctx, l.cfg.StreamID, lastObject)
}
