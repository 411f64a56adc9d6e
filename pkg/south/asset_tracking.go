package south

import (
	"context"
	"sync"
)

// Event is the asset-tracking event kind, per §3.
type Event string

const (
	EventIngest Event = "Ingest"
	EventEgress Event = "Egress"
	EventStore  Event = "store"
)

// Tuple is the asset-tracking 4-tuple; uniqueness is by (Service,
// Plugin, Asset, Event).
type Tuple struct {
	Service string
	Plugin  string
	Asset   string
	Event   Event
}

// Registrar is the management collaborator that persists a tuple on
// first sight.
type Registrar interface {
	RegisterAssetTracking(ctx context.Context, t Tuple) error
	LoadAssetTracking(ctx context.Context) ([]Tuple, error)
}

// AssetTracker caches seen tuples in memory, populated at startup from
// the management collaborator, and lazily registers new ones.
type AssetTracker struct {
	mu       sync.Mutex
	seen     map[Tuple]struct{}
	registrar Registrar
}

func NewAssetTracker(ctx context.Context, registrar Registrar) (*AssetTracker, error) {
	t := &AssetTracker{seen: make(map[Tuple]struct{}), registrar: registrar}
	existing, err := registrar.LoadAssetTracking(ctx)
	if err != nil {
		return nil, err
	}
	for _, tup := range existing {
		t.seen[tup] = struct{}{}
	}
	return t, nil
}

// Track records service/plugin having ingested asset, registering it
// with the management collaborator the first time this tuple is seen.
func (t *AssetTracker) Track(ctx context.Context, service, plugin, asset string, event Event) {
	tup := Tuple{Service: service, Plugin: plugin, Asset: asset, Event: event}

	t.mu.Lock()
	if _, ok := t.seen[tup]; ok {
		t.mu.Unlock()
		return
	}
	t.seen[tup] = struct{}{}
	t.mu.Unlock()

	_ = t.registrar.RegisterAssetTracking(ctx, tup)
}
