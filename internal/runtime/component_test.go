package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/wasmexec/host/internal/abi"
)

func TestComponentRuntime_Initialize_ModuleDeserializeError(t *testing.T) {
	ctx := context.Background()
	rt := NewComponentRuntime(time.Minute)
	defer rt.Close(ctx)

	err := rt.Initialize(ctx, "c1", abi.Capabilities{}, []byte("not a component"))
	ae, ok := abi.As(err)
	if !ok || ae.Kind != abi.KindModuleDeserialize {
		t.Fatalf("expected ModuleDeserializeError, got %v", err)
	}
}

func TestComponentRuntime_Run_ContainerNotFound(t *testing.T) {
	ctx := context.Background()
	rt := NewComponentRuntime(time.Minute)
	defer rt.Close(ctx)

	_, err := rt.Run(ctx, "nope", []byte(`"hi"`))
	ae, ok := abi.As(err)
	if !ok || ae.Kind != abi.KindContainerNotFound {
		t.Fatalf("expected ContainerNotFound, got %v", err)
	}
}

func TestComponentRuntime_Destroy_Idempotent(t *testing.T) {
	ctx := context.Background()
	rt := NewComponentRuntime(time.Minute)
	defer rt.Close(ctx)

	rt.Destroy("never-registered")
	rt.Destroy("never-registered")
}
