package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v39"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/cache"
	"github.com/wasmexec/host/internal/registry"
)

// ComponentRuntime implements the component-model string ABI.
// wasmtime-go v39 has no generated component bindings, so the string
// boundary is marshalled by hand using the same ptr+len convention
// component tooling itself compiles down to: the guest exports
// cabi_realloc to hand the host a buffer, the host writes the UTF-8
// request into it, func-wrapper is called with (ptr, len) and returns
// (ptr, len) for the result, and the host reads it back out of the
// guest's exported memory before the store is dropped.
//
// The host never parses compiled_module bytes itself: it only
// deserializes, via wasmtime.NewModuleDeserialize, the output of
// cmd/precompile's wasmtime path (Module.Serialize()). Passing raw
// .wasm source here fails with ModuleDeserializeError, matching the
// "only the paired precompiler tool's output may be passed in"
// invariant.
type ComponentRuntime struct {
	engine        *wasmtime.Engine
	templates     *cache.TemplateCache[*wasmtime.Module]
	registrations *registry.Registry
}

func NewComponentRuntime(templateTTL time.Duration) *ComponentRuntime {
	return &ComponentRuntime{
		engine:        wasmtime.NewEngine(),
		templates:     cache.NewTemplateCache[*wasmtime.Module](templateTTL),
		registrations: registry.New(),
	}
}

func (c *ComponentRuntime) Initialize(ctx context.Context, containerID string, caps abi.Capabilities, compiledBytes []byte) error {
	hash := HashModule(compiledBytes)

	_, err := c.templates.GetOrCreate(hash, func() (*wasmtime.Module, error) {
		return deserializeComponentModule(c.engine, compiledBytes)
	})
	if err != nil {
		return abi.Wrap(abi.KindModuleDeserialize, err)
	}

	c.registrations.Put(&registry.Registration{
		ContainerID:   containerID,
		Caps:          caps,
		Hash64:        hash,
		CompiledBytes: compiledBytes,
	})
	return nil
}

func (c *ComponentRuntime) Run(ctx context.Context, containerID string, input json.RawMessage) (json.RawMessage, error) {
	reg, ok := c.registrations.Get(containerID)
	if !ok {
		return nil, abi.New(abi.KindContainerNotFound, containerID)
	}

	module, err := c.templates.GetOrCreate(reg.Hash64, func() (*wasmtime.Module, error) {
		return deserializeComponentModule(c.engine, reg.CompiledBytes)
	})
	if err != nil {
		return nil, abi.Wrap(abi.KindModuleDeserialize, err)
	}

	store := wasmtime.NewStore(c.engine)

	wasiConfig := wasmtime.NewWasiConfig()
	store.SetWasi(wasiConfig)

	linker := wasmtime.NewLinker(c.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, abi.Wrap(abi.KindLinker, err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}

	memExport := instance.GetExport(store, "memory")
	if memExport == nil || memExport.Memory() == nil {
		return nil, abi.New(abi.KindMissingExport, "memory")
	}
	mem := memExport.Memory()

	realloc := instance.GetFunc(store, "cabi_realloc")
	if realloc == nil {
		return nil, abi.New(abi.KindMissingExport, "cabi_realloc")
	}

	wrapper := instance.GetFunc(store, "func-wrapper")
	if wrapper == nil {
		return nil, abi.New(abi.KindMissingExport, "func-wrapper")
	}

	inPtr, err := writeComponentString(store, mem, realloc, input)
	if err != nil {
		return nil, err
	}

	result, err := wrapper.Call(store, inPtr, int32(len(input)))
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}

	out, err := readComponentString(mem, store, result)
	if err != nil {
		return nil, err
	}
	if !json.Valid(out) {
		return nil, abi.New(abi.KindMarshal, "result is not valid JSON")
	}
	return out, nil
}

func (c *ComponentRuntime) Destroy(containerID string) {
	c.registrations.Delete(containerID)
}

func (c *ComponentRuntime) Close(ctx context.Context) error {
	c.templates.Close()
	return nil
}

// deserializeComponentModule is the single confined call site for
// turning precompiled bytes into a runnable wasmtime module. It only
// ever deserializes via wasmtime.NewModuleDeserialize — the paired
// compile-from-source entry point, wasmtime.NewModule, is never called
// here or anywhere else in this package. Bytes must be the output of
// cmd/precompile's wasmtime path (Module.Serialize()); raw .wasm
// source fails here with ModuleDeserializeError rather than silently
// recompiling.
func deserializeComponentModule(engine *wasmtime.Engine, compiledBytes []byte) (*wasmtime.Module, error) {
	return wasmtime.NewModuleDeserialize(engine, compiledBytes)
}

// writeComponentString allocates len(payload) bytes in the guest via
// cabi_realloc (orig_ptr=0, orig_size=0, align=1, new_size=len) and
// copies payload into the returned pointer.
func writeComponentString(store *wasmtime.Store, mem *wasmtime.Memory, realloc *wasmtime.Func, payload []byte) (int32, error) {
	res, err := realloc.Call(store, int32(0), int32(0), int32(1), int32(len(payload)))
	if err != nil {
		return 0, abi.Wrap(abi.KindGuestTrap, err)
	}
	ptr, ok := res.(int32)
	if !ok {
		return 0, abi.New(abi.KindMarshal, "cabi_realloc returned unexpected type")
	}

	data := mem.UnsafeData(store)
	if int(ptr)+len(payload) > len(data) {
		return 0, abi.New(abi.KindMarshal, fmt.Sprintf("guest buffer out of bounds: ptr=%d size=%d", ptr, len(payload)))
	}
	copy(data[ptr:], payload)
	return ptr, nil
}

// readComponentString decodes func-wrapper's (ptr, len) result pair
// into the bytes it names in guest memory.
func readComponentString(mem *wasmtime.Memory, store *wasmtime.Store, result interface{}) (json.RawMessage, error) {
	vals, ok := result.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, abi.New(abi.KindMarshal, "func-wrapper did not return (ptr, len)")
	}

	ptrVal, ok1 := vals[0].(int32)
	sizeVal, ok2 := vals[1].(int32)
	if !ok1 || !ok2 {
		return nil, abi.New(abi.KindMarshal, "func-wrapper result values were not int32")
	}
	ptr := uint32(ptrVal)
	size := uint32(sizeVal)

	data := mem.UnsafeData(store)
	if uint64(ptr)+uint64(size) > uint64(len(data)) {
		return nil, abi.New(abi.KindMarshal, fmt.Sprintf("result out of bounds: ptr=%d size=%d", ptr, size))
	}

	out := make(json.RawMessage, size)
	copy(out, data[ptr:ptr+size])
	return out, nil
}
