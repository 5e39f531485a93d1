// Package dispatch implements the parallel multi-model backend
// variant: a single request carries a `models: [url, ...]` array and
// the host fans out one worker per model, each running the guest's
// prepared template against a fresh store, then joins all workers
// before returning a combined result keyed by model.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wasmexec/host/internal/abi"
	"github.com/wasmexec/host/internal/fetcher"
	"github.com/wasmexec/host/internal/runtime"
)

// ModelRunner is the method a backend needs to be a dispatch target
// (it is not part of runtime.Runtime): one invocation per model, each
// against its own guest store.
type ModelRunner interface {
	RunWithModel(ctx context.Context, containerID string, input json.RawMessage, modelBytes []byte) (json.RawMessage, error)
}

// Metrics captures the per-worker timing annotations the spec
// requires on each model's result.
type Metrics struct {
	FuncTime       float64 `json:"func_time"`
	PassModelTime  float64 `json:"pass_model_time"`
	ThreadStart    float64 `json:"thread_start"`
	ThreadEnd      float64 `json:"thread_end"`
	PassModelStart float64 `json:"pass_model_start"`
	PassModelEnd   float64 `json:"pass_model_end"`
}

// Dispatcher fans a single request out across N models.
type Dispatcher struct {
	runner  ModelRunner
	fetcher *fetcher.Fetcher
}

func New(runner ModelRunner, f *fetcher.Fetcher) *Dispatcher {
	return &Dispatcher{runner: runner, fetcher: f}
}

type workerResult struct {
	model  string
	result json.RawMessage
	err    error
}

// Run dispatches input against every model in models concurrently,
// one goroutine per model (Go's OS-thread-scheduled goroutines stand
// in for the spec's "workers run on OS threads" requirement — the Go
// runtime multiplexes them across real threads under the hood). It
// returns a JSON object with one key per model plus a top-level
// "metrics" key recording functions_duration, the total wall time.
// If any worker fails, the whole call fails with a ModelWorkerError
// carrying the first error read back from the workers, in the order
// they finished.
func (d *Dispatcher) Run(ctx context.Context, containerID string, input json.RawMessage, models []string) (json.RawMessage, error) {
	start := time.Now()

	results := make(chan workerResult, len(models))
	var wg sync.WaitGroup
	wg.Add(len(models))
	for _, model := range models {
		go func(model string) {
			defer wg.Done()
			results <- d.runWorker(ctx, containerID, input, model)
		}(model)
	}
	wg.Wait()
	close(results)

	out := make(map[string]json.RawMessage, len(models)+1)
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.model] = r.result
	}

	if firstErr != nil {
		return nil, abi.Wrap(abi.KindModelWorker, firstErr)
	}

	functionsDuration := time.Since(start).Seconds()
	metricsJSON, err := json.Marshal(map[string]float64{"functions_duration": functionsDuration})
	if err != nil {
		return nil, abi.Wrap(abi.KindMarshal, err)
	}
	out["metrics"] = metricsJSON

	combined, err := json.Marshal(out)
	if err != nil {
		return nil, abi.Wrap(abi.KindMarshal, err)
	}
	return combined, nil
}

// runWorker resolves model via the shared, thread-safe model cache
// (through the fetcher), writes it via set_model, calls _start, and
// annotates the per-model result with timing metrics.
func (d *Dispatcher) runWorker(ctx context.Context, containerID string, input json.RawMessage, model string) workerResult {
	traceID := uuid.NewString()
	threadStart := time.Now()

	passModelStart := time.Now()
	modelBytes, err := d.fetcher.Fetch(ctx, model)
	passModelEnd := time.Now()
	if err != nil {
		log.Printf("dispatch %s: fetch %s failed: %v", traceID, model, err)
		return workerResult{model: model, err: err}
	}

	funcStart := time.Now()
	result, err := d.runner.RunWithModel(ctx, containerID, input, modelBytes)
	funcEnd := time.Now()
	if err != nil {
		log.Printf("dispatch %s: model %s worker failed: %v", traceID, model, err)
		return workerResult{model: model, err: err}
	}

	threadEnd := time.Now()

	metrics := Metrics{
		FuncTime:       funcEnd.Sub(funcStart).Seconds(),
		PassModelTime:  passModelEnd.Sub(passModelStart).Seconds(),
		ThreadStart:    float64(threadStart.UnixNano()) / 1e9,
		ThreadEnd:      float64(threadEnd.UnixNano()) / 1e9,
		PassModelStart: float64(passModelStart.UnixNano()) / 1e9,
		PassModelEnd:   float64(passModelEnd.UnixNano()) / 1e9,
	}

	annotated, err := annotate(result, metrics)
	if err != nil {
		return workerResult{model: model, err: err}
	}

	return workerResult{model: model, result: annotated}
}

// annotate merges a "metrics" key carrying m into the guest's result
// object without disturbing any fields the guest already set.
func annotate(result json.RawMessage, m Metrics) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		// Guest result wasn't a JSON object; wrap it so metrics still attach.
		obj = map[string]json.RawMessage{"result": result}
	}

	metricsJSON, err := json.Marshal(m)
	if err != nil {
		return nil, abi.Wrap(abi.KindMarshal, err)
	}
	obj["metrics"] = metricsJSON

	return json.Marshal(obj)
}

// runtime.LinearMemRuntime is the only backend that satisfies
// ModelRunner; backends without RunWithModel are simply not usable as
// dispatch targets.
var _ ModelRunner = (*runtime.LinearMemRuntime)(nil)
