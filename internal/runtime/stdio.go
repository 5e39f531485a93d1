package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/cache"
	"github.com/wasmexec/host/internal/registry"
)

// StdioRuntime implements the stdio ABI: the request JSON is piped in
// as the guest's stdin, and the guest writes a {"response": <json>}
// envelope to stdout before _start returns.
type StdioRuntime struct {
	rt            wazero.Runtime
	compileCache  wazero.CompilationCache
	templates     *cache.TemplateCache[wazero.CompiledModule]
	registrations *registry.Registry
}

func NewStdioRuntime(ctx context.Context, templateTTL time.Duration) *StdioRuntime {
	compileCache := wazero.NewCompilationCache()
	rtConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(compileCache).
		WithMemoryLimitPages(defaultMemoryLimitPages)
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &StdioRuntime{
		rt:            rt,
		compileCache:  compileCache,
		templates:     cache.NewTemplateCache[wazero.CompiledModule](templateTTL),
		registrations: registry.New(),
	}
}

func (s *StdioRuntime) Initialize(ctx context.Context, containerID string, caps abi.Capabilities, compiledBytes []byte) error {
	hash := HashModule(compiledBytes)

	tmpl, err := s.templates.GetOrCreate(hash, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, s.rt, compiledBytes)
	})
	if err != nil {
		return abi.Wrap(abi.KindModuleDeserialize, err)
	}
	if _, ok := tmpl.ExportedFunctions()["_start"]; !ok {
		return abi.New(abi.KindMissingExport, "_start")
	}

	s.registrations.Put(&registry.Registration{
		ContainerID:   containerID,
		Caps:          caps,
		Hash64:        hash,
		CompiledBytes: compiledBytes,
	})
	return nil
}

func (s *StdioRuntime) Run(ctx context.Context, containerID string, input json.RawMessage) (json.RawMessage, error) {
	reg, ok := s.registrations.Get(containerID)
	if !ok {
		return nil, abi.New(abi.KindContainerNotFound, containerID)
	}

	compiled, err := s.templates.GetOrCreate(reg.Hash64, func() (wazero.CompiledModule, error) {
		return deserializeTemplate(ctx, s.rt, reg.CompiledBytes)
	})
	if err != nil {
		return nil, abi.Wrap(abi.KindModuleDeserialize, err)
	}

	var stdout bytes.Buffer
	modConfig := wazero.NewModuleConfig().
		WithStdin(strings.NewReader(string(input))).
		WithStdout(&stdout)

	mod, err := s.rt.InstantiateModule(ctx, compiled, modConfig)
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

	// The guest's stdout is the {"response": <json>} envelope verbatim;
	// the host passes it through as the result rather than unwrapping
	// it, so the HTTP response body matches the envelope exactly.
	out := make(json.RawMessage, stdout.Len())
	copy(out, stdout.Bytes())
	if !json.Valid(out) {
		return nil, abi.New(abi.KindMarshal, "stdout is not valid JSON")
	}
	return out, nil
}

func (s *StdioRuntime) Destroy(containerID string) {
	s.registrations.Delete(containerID)
}

func (s *StdioRuntime) Close(ctx context.Context) error {
	s.templates.Close()
	if err := s.rt.Close(ctx); err != nil {
		return err
	}
	return s.compileCache.Close(ctx)
}
