package cache

import (
	"time"

	"github.com/wasmexec/host/internal/diskkv"
)

const modelCacheNamespace = "models/"

// ModelCache maps a model's source URL or URI to its fetched bytes.
// On a miss it optionally falls back to a disk-backed overflow store
// before reporting a true miss to the caller, so a process restart
// does not force every in-flight model back through the fetcher.
type ModelCache struct {
	c        *TTLCache[string, []byte]
	overflow *diskkv.Store
	ttl      time.Duration
}

// NewModelCache builds a model cache with sliding TTL. overflow may be
// nil, in which case the cache behaves as pure in-memory with no
// disk-backed fallback.
func NewModelCache(ttl time.Duration, overflow *diskkv.Store) *ModelCache {
	return &ModelCache{
		c:        NewTTLCache[string, []byte](ttl),
		overflow: overflow,
		ttl:      ttl,
	}
}

// Get returns the cached bytes for key, checking the in-memory layer
// first and, on a miss, the disk overflow (if configured). A disk hit
// is promoted back into the in-memory layer so subsequent reads don't
// pay the disk round trip again.
func (mc *ModelCache) Get(key string) ([]byte, bool) {
	if v, ok := mc.c.Get(key); ok {
		return v, true
	}

	if mc.overflow == nil {
		return nil, false
	}

	v, err := mc.overflow.Get(modelCacheNamespace, key)
	if err != nil {
		return nil, false
	}

	mc.c.Set(key, v)
	return v, true
}

// Put inserts value for key into the in-memory layer and, if an
// overflow store is configured, mirrors it to disk with the same TTL.
func (mc *ModelCache) Put(key string, value []byte) {
	mc.c.Set(key, value)

	if mc.overflow != nil {
		// Best-effort: a failed disk write only costs a future cold
		// start a re-fetch, it does not affect correctness now.
		_ = mc.overflow.SetWithTTL(modelCacheNamespace, key, value, mc.ttl)
	}
}

func (mc *ModelCache) Close() {
	mc.c.Close()
}
