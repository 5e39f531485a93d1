package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/wasmexec/host/internal/abi"
)

func TestStdioRuntime_Run_ContainerNotFound(t *testing.T) {
	ctx := context.Background()
	rt := NewStdioRuntime(ctx, time.Minute)
	defer rt.Close(ctx)

	_, err := rt.Run(ctx, "nope", []byte(`{}`))
	ae, ok := abi.As(err)
	if !ok || ae.Kind != abi.KindContainerNotFound {
		t.Fatalf("expected ContainerNotFound, got %v", err)
	}
}

func TestStdioRuntime_Initialize_MissingExport(t *testing.T) {
	ctx := context.Background()
	rt := NewStdioRuntime(ctx, time.Minute)
	defer rt.Close(ctx)

	err := rt.Initialize(ctx, "c1", abi.Capabilities{}, missingExportsWasm)
	ae, ok := abi.As(err)
	if !ok || ae.Kind != abi.KindMissingExport {
		t.Fatalf("expected MissingExport, got %v", err)
	}
}

func TestStdioRuntime_Initialize_ModuleDeserializeError(t *testing.T) {
	ctx := context.Background()
	rt := NewStdioRuntime(ctx, time.Minute)
	defer rt.Close(ctx)

	err := rt.Initialize(ctx, "c1", abi.Capabilities{}, []byte("not wasm"))
	ae, ok := abi.As(err)
	if !ok || ae.Kind != abi.KindModuleDeserialize {
		t.Fatalf("expected ModuleDeserializeError, got %v", err)
	}
}

func TestStdioRuntime_Destroy_Idempotent(t *testing.T) {
	ctx := context.Background()
	rt := NewStdioRuntime(ctx, time.Minute)
	defer rt.Close(ctx)

	rt.Destroy("never-registered")
	rt.Destroy("never-registered")
}
