package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/cache"
	"github.com/wasmexec/host/internal/registry"
)

const defaultMemoryLimitPages = 4096 // 256 MiB ceiling shared by every instance on this engine

// ArgvRuntime implements the argv ABI: the request JSON is passed as
// a single argv string, and the result is read back out of guest
// memory via get_result/get_result_len.
type ArgvRuntime struct {
	rt            wazero.Runtime
	compileCache  wazero.CompilationCache
	templates     *cache.TemplateCache[wazero.CompiledModule]
	registrations *registry.Registry
}

func NewArgvRuntime(ctx context.Context, templateTTL time.Duration) *ArgvRuntime {
	compileCache := wazero.NewCompilationCache()
	rtConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(compileCache).
		WithMemoryLimitPages(defaultMemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &ArgvRuntime{
		rt:            rt,
		compileCache:  compileCache,
		templates:     cache.NewTemplateCache[wazero.CompiledModule](templateTTL),
		registrations: registry.New(),
	}
}

func (a *ArgvRuntime) Initialize(ctx context.Context, containerID string, caps abi.Capabilities, compiledBytes []byte) error {
	hash := HashModule(compiledBytes)

	tmpl, err := a.templates.GetOrCreate(hash, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, a.rt, compiledBytes)
	})
	if err != nil {
		return abi.Wrap(abi.KindModuleDeserialize, err)
	}
	if err := requireExports(tmpl, "_start", "get_result", "get_result_len", "memory"); err != nil {
		return err
	}

	a.registrations.Put(&registry.Registration{
		ContainerID:   containerID,
		Caps:          caps,
		Hash64:        hash,
		CompiledBytes: compiledBytes,
	})
	return nil
}

func (a *ArgvRuntime) Run(ctx context.Context, containerID string, input json.RawMessage) (json.RawMessage, error) {
	reg, ok := a.registrations.Get(containerID)
	if !ok {
		return nil, abi.New(abi.KindContainerNotFound, containerID)
	}

	compiled, err := a.templates.GetOrCreate(reg.Hash64, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, a.rt, reg.CompiledBytes)
	})
	if err != nil {
		return nil, abi.Wrap(abi.KindModuleDeserialize, err)
	}

	modConfig := wazero.NewModuleConfig().
		WithArgs(string(input)).
		WithStdout(io.Discard).
		WithStderr(io.Discard)

	mod, err := a.rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}
	defer mod.Close(ctx)

	start := mod.ExportedFunction("_start")
	if start == nil {
		return nil, abi.New(abi.KindMissingExport, "_start")
	}
	if _, err := start.Call(ctx); err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}

	return readGuestResult(ctx, mod)
}

func (a *ArgvRuntime) Destroy(containerID string) {
	a.registrations.Delete(containerID)
}

func (a *ArgvRuntime) Close(ctx context.Context) error {
	a.templates.Close()
	if err := a.rt.Close(ctx); err != nil {
		return err
	}
	return a.compileCache.Close(ctx)
}

// deserializeTemplate is the single confined call site for wazero's
// module compilation step shared by the argv, stdio, and linear-memory
// backends. wazero.CompileModule both parses and validates wasm bytes
// in one step — it is not a true no-reparse deserialize the way
// wasmtime's is (see deserializeComponentModule) — but it is still the
// one place this invariant applies: only bytes produced by the paired
// cmd/precompile run (or, for this engine, the source .wasm itself,
// per compileWazero's documented limitation) may be passed in.
func deserializeTemplate(ctx context.Context, rt wazero.Runtime, compiledBytes []byte) (wazero.CompiledModule, error) {
	return rt.CompileModule(ctx, compiledBytes)
}

// requireExports checks that every name in names is exported by tmpl,
// returning *abi.Error(MissingExport) naming the first one missing.
func requireExports(tmpl wazero.CompiledModule, names ...string) error {
	exports := tmpl.ExportedFunctions()
	memExports := tmpl.ExportedMemories()
	for _, name := range names {
		if name == "memory" {
			if _, ok := memExports["memory"]; !ok {
				return abi.New(abi.KindMissingExport, "memory")
			}
			continue
		}
		if _, ok := exports[name]; !ok {
			return abi.New(abi.KindMissingExport, name)
		}
	}
	return nil
}

// readGuestResult retrieves the guest's JSON result via the
// get_result_len/get_result export pair shared by the argv and
// linear-memory ABIs: the guest allocates and owns the buffer, the
// host only reads it before the store is dropped.
func readGuestResult(ctx context.Context, mod api.Module) (json.RawMessage, error) {
	lenFn := mod.ExportedFunction("get_result_len")
	ptrFn := mod.ExportedFunction("get_result")
	if lenFn == nil {
		return nil, abi.New(abi.KindMissingExport, "get_result_len")
	}
	if ptrFn == nil {
		return nil, abi.New(abi.KindMissingExport, "get_result")
	}

	lenRes, err := lenFn.Call(ctx)
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}
	ptrRes, err := ptrFn.Call(ctx)
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}

	size := uint32(lenRes[0])
	ptr := uint32(ptrRes[0])

	mem := mod.Memory()
	data, ok := mem.Read(ptr, size)
	if !ok {
		return nil, abi.New(abi.KindMarshal, fmt.Sprintf("result out of bounds: ptr=%d size=%d", ptr, size))
	}

	out := make(json.RawMessage, len(data))
	copy(out, data)

	if !json.Valid(out) {
		return nil, abi.New(abi.KindMarshal, "result is not valid JSON")
	}
	return out, nil
}
