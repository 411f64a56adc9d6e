package south

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu    sync.Mutex
	calls []map[string]int64
}

func (f *fakeSink) UpdateCounters(ctx context.Context, deltas map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deltas)
	return nil
}

func (f *fakeSink) merged() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64)
	for _, c := range f.calls {
		for k, v := range c {
			out[k] += v
		}
	}
	return out
}

func TestIngestedAssetNamingConvention(t *testing.T) {
	sink := &fakeSink{}
	s := NewStats(sink, time.Hour)

	s.IngestedAsset("sensor1", 3)
	s.IngestedAsset("sensor1", 2)
	s.Discarded(1)
	s.StreamDropped(4)

	s.flush(context.Background())

	m := sink.merged()
	require.EqualValues(t, 5, m["INGEST_SENSOR1"])
	require.EqualValues(t, 5, m["READINGS"])
	require.EqualValues(t, 1, m["DISCARDED"])
	require.EqualValues(t, 4, m["STREAM_DROPPED"])
}

func TestRunFlushesOnStop(t *testing.T) {
	sink := &fakeSink{}
	s := NewStats(sink, time.Hour)

	go s.Run(context.Background())
	s.IngestedAsset("a", 1)
	s.Stop()

	m := sink.merged()
	require.EqualValues(t, 1, m["READINGS"])
}

func TestFlushSkipsEmptyDeltas(t *testing.T) {
	sink := &fakeSink{}
	s := NewStats(sink, time.Hour)
	s.flush(context.Background())
	require.Empty(t, sink.calls)
}
