package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// wasiNNHost is the optional neural-network host-import set installed
// alongside WASI by a LinearMemRuntime built with enableNN; it is then
// linked for every guest on that runtime. The component backend does
// not link it. It is preloaded with no built-in graphs; the guest
// supplies graph bytes at runtime via load, matching the spec's
// "preloaded empty backend/registry" contract.
type wasiNNHost struct {
	mu          sync.Mutex
	graphs      map[uint32][]byte
	execCtxs    map[uint32]*nnExecContext
	nextID      uint32
	lastExecCtx uint32
}

type nnExecContext struct {
	graphHandle uint32
	inputs      map[uint32][]byte
	output      []byte
	outputName  string
}

// defaultOutputTensorName is used when a wasi-nn-enabled registration's
// capabilities carry no output_tensor override.
const defaultOutputTensorName = "squeezenet0_flatten0_reshape0"

type outputTensorNameKey struct{}

// withOutputTensorName attaches the output tensor name resolved from
// abi.Capabilities.OutputTensor to ctx. LinearMemRuntime.run sets this
// before calling the guest's _start so initExecutionContext can record
// it on the execution context the guest creates during that call.
func withOutputTensorName(ctx context.Context, name string) context.Context {
	if name == "" {
		name = defaultOutputTensorName
	}
	return context.WithValue(ctx, outputTensorNameKey{}, name)
}

func outputTensorNameFromContext(ctx context.Context) string {
	if name, ok := ctx.Value(outputTensorNameKey{}).(string); ok && name != "" {
		return name
	}
	return defaultOutputTensorName
}

func newWasiNNHost() *wasiNNHost {
	return &wasiNNHost{
		graphs:   make(map[uint32][]byte),
		execCtxs: make(map[uint32]*nnExecContext),
	}
}

func (h *wasiNNHost) allocID() uint32 {
	h.nextID++
	return h.nextID
}

// instantiate links the wasi_ephemeral_nn import set into rt. Guests
// that never reference these imports are unaffected by it being
// present.
func (h *wasiNNHost) instantiate(ctx context.Context, rt wazero.Runtime) error {
	_, err := rt.NewHostModuleBuilder("wasi_ephemeral_nn").
		NewFunctionBuilder().
		WithFunc(h.load).
		Export("load").
		NewFunctionBuilder().
		WithFunc(h.initExecutionContext).
		Export("init_execution_context").
		NewFunctionBuilder().
		WithFunc(h.setInput).
		Export("set_input").
		NewFunctionBuilder().
		WithFunc(h.compute).
		Export("compute").
		NewFunctionBuilder().
		WithFunc(h.getOutput).
		Export("get_output").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("link wasi-nn host module: %w", err)
	}
	return nil
}

// load(graphPtr, graphLen) -> graph handle. The guest has already
// copied graph bytes into its own memory (e.g. via set_model +
// set_input in the linear-memory ABI); this call just registers them
// under a handle for later execution-context creation.
func (h *wasiNNHost) load(ctx context.Context, m api.Module, graphPtr, graphLen uint32) uint32 {
	mem := m.Memory()
	data, ok := mem.Read(graphPtr, graphLen)
	if !ok {
		return 0
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.allocID()
	h.graphs[id] = buf
	return id
}

// init_execution_context(graphHandle) -> context handle. Records the
// output tensor name resolved for this call (see withOutputTensorName)
// so a later get_output-equivalent lookup on the Go side can report
// which tensor the result came from.
func (h *wasiNNHost) initExecutionContext(ctx context.Context, graphHandle uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.graphs[graphHandle]; !ok {
		return 0
	}
	id := h.allocID()
	h.execCtxs[id] = &nnExecContext{
		graphHandle: graphHandle,
		inputs:      make(map[uint32][]byte),
		outputName:  outputTensorNameFromContext(ctx),
	}
	h.lastExecCtx = id
	return id
}

// OutputTensorName returns the output tensor name resolved when
// ctxHandle was created, or false if ctxHandle is unknown.
func (h *wasiNNHost) OutputTensorName(ctxHandle uint32) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ec, ok := h.execCtxs[ctxHandle]
	if !ok {
		return "", false
	}
	return ec.outputName, true
}

// LastExecContextHandle returns the most recently created execution
// context handle. The Go-side caller never sees the handle a guest's
// init_execution_context call returns (that value lives in guest-side
// wasm locals), so this is how LinearMemRuntime.run finds its way back
// to the tensor name after the guest's _start returns.
func (h *wasiNNHost) LastExecContextHandle() (uint32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastExecCtx == 0 {
		return 0, false
	}
	return h.lastExecCtx, true
}

// set_input(ctxHandle, index, tensorPtr, tensorLen).
func (h *wasiNNHost) setInput(ctx context.Context, m api.Module, ctxHandle, index, tensorPtr, tensorLen uint32) uint32 {
	mem := m.Memory()
	data, ok := mem.Read(tensorPtr, tensorLen)
	if !ok {
		return 1
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	ec, ok := h.execCtxs[ctxHandle]
	if !ok {
		return 1
	}
	ec.inputs[index] = buf
	return 0
}

// compute(ctxHandle) runs the (black-box) graph against its recorded
// inputs. This host never has a real inference backend bound to it;
// it is exercised only by guests/tests that round-trip a tensor
// unchanged, matching the spec's treatment of the engine's wasi-nn
// backend as an opaque capability.
func (h *wasiNNHost) compute(ctx context.Context, ctxHandle uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ec, ok := h.execCtxs[ctxHandle]
	if !ok {
		return 1
	}
	if in, ok := ec.inputs[0]; ok {
		ec.output = in
	}
	return 0
}

// get_output(ctxHandle, index, outPtr, outMaxLen) -> bytes written.
func (h *wasiNNHost) getOutput(ctx context.Context, m api.Module, ctxHandle, index, outPtr, outMaxLen uint32) uint32 {
	h.mu.Lock()
	ec, ok := h.execCtxs[ctxHandle]
	h.mu.Unlock()
	if !ok {
		return 0
	}

	out := ec.output
	if uint32(len(out)) > outMaxLen {
		out = out[:outMaxLen]
	}

	mem := m.Memory()
	if !mem.Write(outPtr, out) {
		return 0
	}
	return uint32(len(out))
}
