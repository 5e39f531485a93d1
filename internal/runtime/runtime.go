// Package runtime implements the four ABI backends (argv, stdio,
// linear-memory JSON, and component-model string) behind one shared
// Runtime interface. Each backend owns its own engine, its own
// prepared-instance template cache, and the host-import set that ABI
// requires; callers pick exactly one backend per deployment via
// config.ABIKind.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/cespare/xxhash/v2"
	"github.com/wasmexec/host/internal/abi"
)

// Runtime is the capability set every ABI backend implements. A
// process wires up exactly one concrete Runtime, chosen at startup
// from config.ABIKind, and the HTTP layer talks only to this
// interface — so swapping ABIs never touches internal/api.
type Runtime interface {
	// Initialize registers container_id against compiledBytes and
	// caps, building (or reusing, by content hash) a prepared
	// instance template.
	Initialize(ctx context.Context, containerID string, caps abi.Capabilities, compiledBytes []byte) error

	// Run invokes container_id's guest entry point with input and
	// returns its JSON result.
	Run(ctx context.Context, containerID string, input json.RawMessage) (json.RawMessage, error)

	// Destroy removes container_id's registration, if any. Never
	// errors: an unknown id is a silent no-op.
	Destroy(containerID string)

	// Close releases engine-level resources (compilation caches,
	// etc.) on process shutdown.
	Close(ctx context.Context) error
}

// HashModule returns the 64-bit content hash used to key the
// template cache, per the spec's content-addressing invariant.
func HashModule(compiledBytes []byte) uint64 {
	return xxhash.Sum64(compiledBytes)
}
