package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// TemplateCache maps a module's 64-bit content hash to its prepared
// instance template. T is engine-specific: a wazero backend stores
// wazero.CompiledModule, the component backend stores *wasmtime.Module.
// Sharing one generic implementation keeps the refresh-on-read TTL
// semantics identical across every ABI backend.
type TemplateCache[T any] struct {
	c *TTLCache[uint64, T]
}

func NewTemplateCache[T any](ttl time.Duration) *TemplateCache[T] {
	return &TemplateCache[T]{c: NewTTLCache[uint64, T](ttl)}
}

// HashBytes returns the 64-bit content hash the spec uses to key
// compiled modules, so callers outside this package can compute it
// for a lookup without depending on xxhash directly.
func HashBytes(b []byte) uint64 {
	return xxhash.Sum64(b)
}

func (tc *TemplateCache[T]) Get(hash64 uint64) (T, bool) {
	return tc.c.Get(hash64)
}

func (tc *TemplateCache[T]) Put(hash64 uint64, tmpl T) {
	tc.c.Set(hash64, tmpl)
}

func (tc *TemplateCache[T]) GetOrCreate(hash64 uint64, create func() (T, error)) (T, error) {
	return tc.c.GetOrCreate(hash64, create)
}

func (tc *TemplateCache[T]) Len() int {
	return tc.c.Len()
}

func (tc *TemplateCache[T]) Close() {
	tc.c.Close()
}
