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

// LinearMemRuntime implements the linear-memory JSON ABI: the guest
// exposes set_input (and, for wasi-nn variants, set_model) to claim
// a buffer in its own memory, the host writes bytes there directly,
// then _start runs and the result is read back via
// get_result/get_result_len exactly as in the argv ABI.
type LinearMemRuntime struct {
	rt            wazero.Runtime
	compileCache  wazero.CompilationCache
	templates     *cache.TemplateCache[wazero.CompiledModule]
	registrations *registry.Registry
	nn            *wasiNNHost
}

// NewLinearMemRuntime builds the linear-memory backend. When
// enableNN is true, the wasi-nn host-import set (graph/tensor
// operations) is linked in alongside WASI, so guests declared with
// wasi-nn imports can be instantiated; guests that never call those
// imports are unaffected.
func NewLinearMemRuntime(ctx context.Context, templateTTL time.Duration, enableNN bool) *LinearMemRuntime {
	compileCache := wazero.NewCompilationCache()
	rtConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(compileCache).
		WithMemoryLimitPages(defaultMemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	lr := &LinearMemRuntime{
		rt:            rt,
		compileCache:  compileCache,
		templates:     cache.NewTemplateCache[wazero.CompiledModule](templateTTL),
		registrations: registry.New(),
	}

	if enableNN {
		lr.nn = newWasiNNHost()
		if err := lr.nn.instantiate(ctx, rt); err != nil {
			panic(fmt.Sprintf("wasi-nn host module: %v", err))
		}
	}

	return lr
}

func (l *LinearMemRuntime) Initialize(ctx context.Context, containerID string, caps abi.Capabilities, compiledBytes []byte) error {
	hash := HashModule(compiledBytes)

	tmpl, err := l.templates.GetOrCreate(hash, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, l.rt, compiledBytes)
	})
	if err != nil {
		return abi.Wrap(abi.KindModuleDeserialize, err)
	}

	required := []string{"_start", "set_input", "get_result", "get_result_len"}
	if caps.EnableNN {
		required = append(required, "set_model")
	}
	if err := requireExports(tmpl, append(required, "memory")...); err != nil {
		return err
	}

	l.registrations.Put(&registry.Registration{
		ContainerID:   containerID,
		Caps:          caps,
		Hash64:        hash,
		CompiledBytes: compiledBytes,
	})
	return nil
}

// Run invokes container_id with input written to the guest's input
// slot. It never calls set_model; RunWithModel is the entry point that
// also writes a model payload to the guest's model slot.
func (l *LinearMemRuntime) Run(ctx context.Context, containerID string, input json.RawMessage) (json.RawMessage, error) {
	return l.run(ctx, containerID, input, nil)
}

// RunWithModel is the wasi-nn-aware entry point used by the asset
// substitution layer when a request carries a model payload destined
// for the guest's memory rather than inline JSON.
func (l *LinearMemRuntime) RunWithModel(ctx context.Context, containerID string, input json.RawMessage, modelBytes []byte) (json.RawMessage, error) {
	return l.run(ctx, containerID, input, modelBytes)
}

func (l *LinearMemRuntime) run(ctx context.Context, containerID string, input json.RawMessage, modelBytes []byte) (json.RawMessage, error) {
	reg, ok := l.registrations.Get(containerID)
	if !ok {
		return nil, abi.New(abi.KindContainerNotFound, containerID)
	}

	compiled, err := l.templates.GetOrCreate(reg.Hash64, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, l.rt, reg.CompiledBytes)
	})
	if err != nil {
		return nil, abi.Wrap(abi.KindModuleDeserialize, err)
	}

	modConfig := wazero.NewModuleConfig().
		WithStdout(io.Discard).
		WithStderr(io.Discard)

	mod, err := l.rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}
	defer mod.Close(ctx)

	if err := writeGuestSlot(ctx, mod, "set_input", input); err != nil {
		return nil, err
	}

	if modelBytes != nil {
		if err := writeGuestSlot(ctx, mod, "set_model", modelBytes); err != nil {
			return nil, err
		}
	}

	callCtx := ctx
	if reg.Caps.EnableNN && l.nn != nil {
		callCtx = withOutputTensorName(ctx, reg.Caps.OutputTensor)
	}

	start := mod.ExportedFunction("_start")
	if start == nil {
		return nil, abi.New(abi.KindMissingExport, "_start")
	}
	if _, err := start.Call(callCtx); err != nil {
		return nil, abi.Wrap(abi.KindGuestTrap, err)
	}

	result, err := readGuestResult(ctx, mod)
	if err != nil {
		return nil, err
	}

	if reg.Caps.EnableNN && l.nn != nil {
		if handle, ok := l.nn.LastExecContextHandle(); ok {
			if name, ok := l.nn.OutputTensorName(handle); ok {
				return annotateOutputTensor(result, name)
			}
		}
	}

	return result, nil
}

// annotateOutputTensor merges the resolved output_tensor name into a
// wasi-nn guest's JSON result, under the same field name
// abi.Capabilities.OutputTensor is read from on the way in.
func annotateOutputTensor(result json.RawMessage, name string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		obj = map[string]json.RawMessage{"result": result}
	}

	nameJSON, err := json.Marshal(name)
	if err != nil {
		return nil, abi.Wrap(abi.KindMarshal, err)
	}
	obj["output_tensor"] = nameJSON

	return json.Marshal(obj)
}

// writeGuestSlot calls the guest's allocator export (set_input or
// set_model) with the payload length, then copies the payload into
// the returned pointer.
func writeGuestSlot(ctx context.Context, mod api.Module, allocExport string, payload []byte) error {
	alloc := mod.ExportedFunction(allocExport)
	if alloc == nil {
		return abi.New(abi.KindMissingExport, allocExport)
	}

	res, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return abi.Wrap(abi.KindGuestTrap, err)
	}
	ptr := uint32(res[0])

	mem := mod.Memory()
	if !mem.Write(ptr, payload) {
		return abi.New(abi.KindMarshal, fmt.Sprintf("guest slot write out of bounds: ptr=%d size=%d", ptr, len(payload)))
	}
	return nil
}

func (l *LinearMemRuntime) Destroy(containerID string) {
	l.registrations.Delete(containerID)
}

func (l *LinearMemRuntime) Close(ctx context.Context) error {
	l.templates.Close()
	if err := l.rt.Close(ctx); err != nil {
		return err
	}
	return l.compileCache.Close(ctx)
}
