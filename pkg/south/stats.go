package south

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsSink is the management collaborator that persists coalesced
// counter deltas with a single update-table call per wakeup, per §4.4.
type StatsSink interface {
	UpdateCounters(ctx context.Context, deltas map[string]int64) error
}

// Stats tracks per-asset INGEST_<asset> counters plus the global
// READINGS, DISCARDED, and STREAM_DROPPED counters (the last one
// supplements §4.4 with the stream-handler back-pressure drop path of
// §4.6, which otherwise has no named counter).
type Stats struct {
	mu      sync.Mutex
	deltas  map[string]int64
	sink    StatsSink
	period  time.Duration
	stopCh  chan struct{}
	wg      sync.WaitGroup
	readings  int64
	discarded int64
}

func NewStats(sink StatsSink, period time.Duration) *Stats {
	return &Stats{
		deltas: make(map[string]int64),
		sink:   sink,
		period: period,
		stopCh: make(chan struct{}),
	}
}

func (s *Stats) IngestedAsset(asset string, n int64) {
	atomic.AddInt64(&s.readings, n)
	key := "INGEST_" + strings.ToUpper(asset)
	s.mu.Lock()
	s.deltas[key] += n
	s.deltas["READINGS"] += n
	s.mu.Unlock()
}

func (s *Stats) Discarded(n int64) {
	atomic.AddInt64(&s.discarded, n)
	s.mu.Lock()
	s.deltas["DISCARDED"] += n
	s.mu.Unlock()
}

func (s *Stats) StreamDropped(n int64) {
	s.mu.Lock()
	s.deltas["STREAM_DROPPED"] += n
	s.mu.Unlock()
}

// Run coalesces accumulated deltas and flushes them to the sink once per
// period, until Stop is called.
func (s *Stats) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(ctx)
		case <-s.stopCh:
			s.flush(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stats) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.deltas) == 0 {
		s.mu.Unlock()
		return
	}
	deltas := s.deltas
	s.deltas = make(map[string]int64)
	s.mu.Unlock()

	_ = s.sink.UpdateCounters(ctx, deltas)
}

func (s *Stats) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
