package omf

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// OMFPrimitive is the wire primitive type assigned to a datapoint in
// a Type message, per §4.8 step 2.
type OMFPrimitive string

const (
	OMFString  OMFPrimitive = "string"
	OMFInteger OMFPrimitive = "int64"
	OMFFloat   OMFPrimitive = "number"
)

// typeSignature is the short-form schema fingerprint computed over a
// group of Readings sharing an asset-code, per §4.8 step 1.
type typeSignature struct {
	total  int
	float  int
	string int
}

func computeSignature(readings []*reading.Reading) typeSignature {
	var sig typeSignature
	for _, r := range readings {
		for _, dp := range r.Datapoints {
			sig.total++
			switch dp.Value.Kind() {
			case reading.KindFloat:
				sig.float++
			case reading.KindString:
				sig.string++
			}
		}
	}
	return sig
}

// CacheEntry is the per-asset type-cache row, per §4.8's "Type cache"
// paragraph.
type CacheEntry struct {
	TypeID          int
	Signature       typeSignature
	HintChecksum    string
	TypesJSON       string
	AFPath          string
	AFPathOriginal  string
}

// TypeCache is an asset-code-keyed LRU of CacheEntry, initialized from
// persisted state at startup and consulted on every send to decide
// whether a schema-changing Type message must be re-emitted.
type TypeCache struct {
	cache *lru.Cache[string, *CacheEntry]
}

// NewTypeCache creates a cache capped at size entries (asset
// cardinality is normally small and bounded by the service's south
// plugins, but a cap avoids unbounded growth under a runaway source).
func NewTypeCache(size int) (*TypeCache, error) {
	c, err := lru.New[string, *CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &TypeCache{cache: c}, nil
}

// Seed restores a persisted entry at startup.
func (tc *TypeCache) Seed(asset string, entry *CacheEntry) {
	tc.cache.Add(asset, entry)
}

func (tc *TypeCache) Get(asset string) (*CacheEntry, bool) {
	return tc.cache.Get(asset)
}

func (tc *TypeCache) Put(asset string, entry *CacheEntry) {
	tc.cache.Add(asset, entry)
}

// NeedsTypeChange reports whether the cached entry for asset is
// missing or stale relative to sig/hintChecksum, per §4.8 step 2.
func (tc *TypeCache) NeedsTypeChange(asset string, sig typeSignature, hintChecksum string) (*CacheEntry, bool) {
	entry, ok := tc.cache.Get(asset)
	if !ok {
		return nil, true
	}
	if entry.Signature != sig || entry.HintChecksum != hintChecksum {
		return entry, true
	}
	return entry, false
}
