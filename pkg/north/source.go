package north

import (
	"context"
	"sync"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// Storage is the subset of storage.Buffer the three source modes of
// §4.7 need: the plain id-cursor fetch plus the statistics/audit query
// shapes.
type Storage interface {
	Fetch(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error)
	FetchStatistics(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error)
	FetchAudit(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error)
}

// SourceRouter implements Source, dispatching to the storage query
// shape matching the currently selected mode. It is the single place
// that knows about all three source modes, so changing mode at runtime
// (§4.7) only ever touches one piece of shared state.
type SourceRouter struct {
	storage Storage

	mu   sync.RWMutex
	mode SourceMode
}

func NewSourceRouter(storage Storage, mode SourceMode) *SourceRouter {
	return &SourceRouter{storage: storage, mode: mode}
}

func (r *SourceRouter) Fetch(ctx context.Context, afterID uint64, maxCount int) (*reading.Set, error) {
	r.mu.RLock()
	mode := r.mode
	r.mu.RUnlock()

	switch mode {
	case SourceStatistics:
		return r.storage.FetchStatistics(ctx, afterID, maxCount)
	case SourceAudit:
		return r.storage.FetchAudit(ctx, afterID, maxCount)
	default:
		return r.storage.Fetch(ctx, afterID, maxCount)
	}
}

// SetMode changes the active source mode; pair with Loader.SetSourceMode
// so last_fetched is reset at the same time, per §4.7.
func (r *SourceRouter) SetMode(mode SourceMode) {
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
}
